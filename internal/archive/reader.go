package archive

import (
	"fmt"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/sfc-gh-agavic/lifecycle-policy/internal/domain"
)

// Reader reads transactions from a Parquet file.
type Reader struct {
	file   *os.File
	reader *parquet.GenericReader[Row]
	path   string
}

// NewReader creates a new partition Parquet reader.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	reader := parquet.NewGenericReader[Row](f, parquet.ReadBufferSize(1024*1024))

	return &Reader{
		file:   f,
		reader: reader,
		path:   path,
	}, nil
}

// Read reads up to n transactions from the file.
func (r *Reader) Read(n int) ([]domain.Transaction, error) {
	rows := make([]Row, n)
	count, err := r.reader.Read(rows)
	if err != nil {
		return nil, err
	}

	txns := make([]domain.Transaction, count)
	for i := 0; i < count; i++ {
		txns[i] = FromRow(&rows[i])
	}

	return txns, nil
}

// ReadAll reads all transactions from the file.
func (r *Reader) ReadAll() ([]domain.Transaction, error) {
	numRows := r.reader.NumRows()
	rows := make([]Row, numRows)

	n, err := r.reader.Read(rows)
	if err != nil {
		return nil, err
	}

	txns := make([]domain.Transaction, n)
	for i := 0; i < n; i++ {
		txns[i] = FromRow(&rows[i])
	}

	return txns, nil
}

// NumRows returns the total number of rows in the file.
func (r *Reader) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *Reader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Path returns the file path.
func (r *Reader) Path() string {
	return r.path
}

// ReadFile is a convenience function to read all transactions from a file.
func ReadFile(path string) ([]domain.Transaction, error) {
	r, err := NewReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return r.ReadAll()
}

// FileInfo holds information about a Parquet file.
type FileInfo struct {
	Path    string
	Size    int64
	NumRows int64
}

// GetFileInfo returns information about a Parquet file.
func GetFileInfo(path string) (*FileInfo, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := parquet.NewGenericReader[Row](f)
	defer reader.Close()

	return &FileInfo{
		Path:    path,
		Size:    stat.Size(),
		NumRows: reader.NumRows(),
	}, nil
}
