package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	"github.com/shopspring/decimal"

	"github.com/sfc-gh-agavic/lifecycle-policy/internal/domain"
)

// Options configures the Parquet writer.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// CompressionLevel for algorithms that support it (zstd: 1-22)
	CompressionLevel int

	// RowGroupSize is the target number of rows per row group
	RowGroupSize int

	// PageSize is the target page size in bytes
	PageSize int
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression:      CompressionZstd,
		CompressionLevel: 3,
		RowGroupSize:     100000,
		PageSize:         1024 * 1024, // 1MB
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// Row represents a transaction in Parquet format. Column names are the
// physical names scanned by the retrieval engine.
type Row struct {
	TransactionID     string `parquet:"transaction_id,zstd"`
	CustomerID        string `parquet:"customer_id,zstd"`
	AccountID         string `parquet:"account_id,zstd"`
	Quarter           string `parquet:"quarter,zstd"`
	TransactionDateMs int64  `parquet:"transaction_date_ms"`
	Description       string `parquet:"description,optional,zstd"`
	AmountCents       int64  `parquet:"amount_cents"`
	Type              string `parquet:"type,zstd"`
	Currency          string `parquet:"currency,zstd"`
	CreatedAtMs       int64  `parquet:"created_at_ms"`
	UpdatedAtMs       int64  `parquet:"updated_at_ms"`
}

// ToRow converts a Transaction to a Row.
func ToRow(t *domain.Transaction) Row {
	return Row{
		TransactionID:     t.TransactionID,
		CustomerID:        t.CustomerID,
		AccountID:         t.AccountID,
		Quarter:           t.Quarter.Label(),
		TransactionDateMs: t.TransactionDate.UnixMilli(),
		Description:       t.Description,
		AmountCents:       t.Amount.Shift(2).IntPart(),
		Type:              t.Type,
		Currency:          t.Currency,
		CreatedAtMs:       t.CreatedAt.UnixMilli(),
		UpdatedAtMs:       t.UpdatedAt.UnixMilli(),
	}
}

// FromRow converts a Row to a Transaction. The quarter label is
// recomputed from the date, so a stale label in the file cannot drift
// from the partition the row lives in.
func FromRow(r *Row) domain.Transaction {
	date := time.UnixMilli(r.TransactionDateMs).UTC()
	return domain.Transaction{
		TransactionID:   r.TransactionID,
		CustomerID:      r.CustomerID,
		AccountID:       r.AccountID,
		Quarter:         domain.QuarterOf(date),
		TransactionDate: date,
		Description:     r.Description,
		Amount:          decimal.New(r.AmountCents, -2),
		Type:            r.Type,
		Currency:        r.Currency,
		CreatedAt:       time.UnixMilli(r.CreatedAtMs).UTC(),
		UpdatedAt:       time.UnixMilli(r.UpdatedAtMs).UTC(),
	}
}

// Writer writes transactions to a Parquet file.
type Writer struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[Row]
	rowCount int64
	closed   bool
}

// NewWriter creates a new partition Parquet writer.
func NewWriter(path string, opts Options) (*Writer, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writerOpts := []parquet.WriterOption{
		parquet.Compression(getCompression(opts.Compression)),
	}

	writer := parquet.NewGenericWriter[Row](f, writerOpts...)

	return &Writer{
		path:   path,
		file:   f,
		writer: writer,
	}, nil
}

// Write writes transactions to the Parquet file.
func (w *Writer) Write(txns []domain.Transaction) error {
	if len(txns) == 0 {
		return nil
	}

	rows := make([]Row, len(txns))
	for i := range txns {
		rows[i] = ToRow(&txns[i])
	}

	return w.WriteRows(rows)
}

// WriteRows writes pre-converted rows to the Parquet file.
func (w *Writer) WriteRows(rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}

	w.rowCount += int64(n)
	return nil
}

// Close closes the writer.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}

	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *Writer) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *Writer) Path() string {
	return w.path
}

// WriteFile writes transactions to a new Parquet file and returns its
// size in bytes. The file is removed on failure.
func WriteFile(path string, txns []domain.Transaction, opts Options) (int64, error) {
	w, err := NewWriter(path, opts)
	if err != nil {
		return 0, err
	}

	if err := w.Write(txns); err != nil {
		w.Close()
		os.Remove(path)
		return 0, err
	}

	if err := w.Close(); err != nil {
		os.Remove(path)
		return 0, err
	}

	stat, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = fmt.Errorf("parquet writer is closed")
