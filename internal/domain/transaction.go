package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction type categories.
const (
	TypePurchase = "PURCHASE"
	TypeRefund   = "REFUND"
	TypeFee      = "FEE"
	TypeTransfer = "TRANSFER"
	TypePayment  = "PAYMENT"
)

// Transaction represents a single row of the managed dataset.
// This is the primary data unit flowing through the engine.
type Transaction struct {
	// Identity. Unique and immutable once assigned.
	TransactionID string

	// References
	CustomerID string
	AccountID  string

	// Quarter label derived from TransactionDate, e.g. "2023-Q1".
	Quarter Quarter

	// TransactionDate is always populated, normalized to midnight UTC.
	TransactionDate time.Time

	Description string

	// Amount is a signed decimal monetary amount.
	Amount   decimal.Decimal
	Type     string
	Currency string

	// Audit timestamps
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the row invariants before it is accepted for ingest.
func (t *Transaction) Validate() error {
	if t.TransactionID == "" {
		return fmt.Errorf("transaction_id is required")
	}
	if t.TransactionDate.IsZero() {
		return fmt.Errorf("transaction_date is required")
	}
	if len(t.Currency) != 3 {
		return fmt.Errorf("currency must be a 3-letter code, got %q", t.Currency)
	}
	if t.Type == "" {
		return fmt.Errorf("type is required")
	}
	return nil
}

// Normalize derives computed fields: the date is truncated to midnight
// UTC and the quarter label is recomputed from it.
func (t *Transaction) Normalize() {
	t.TransactionDate = Midnight(t.TransactionDate)
	t.Quarter = QuarterOf(t.TransactionDate)
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
}

// PartitionKey returns the quarter label the row is stored under.
func (t *Transaction) PartitionKey() string {
	return t.Quarter.Label()
}

// TransactionBatch represents a collection of rows for batch ingest.
type TransactionBatch struct {
	Rows []Transaction
}

// NewTransactionBatch creates a new batch with the given capacity.
func NewTransactionBatch(capacity int) *TransactionBatch {
	return &TransactionBatch{
		Rows: make([]Transaction, 0, capacity),
	}
}

// Add appends a row to the batch.
func (b *TransactionBatch) Add(t Transaction) {
	b.Rows = append(b.Rows, t)
}

// Len returns the number of rows in the batch.
func (b *TransactionBatch) Len() int {
	return len(b.Rows)
}

// Clear resets the batch for reuse.
func (b *TransactionBatch) Clear() {
	b.Rows = b.Rows[:0]
}

// ColumnType describes the logical type of a schema column, used by
// predicate validation and compilation.
type ColumnType int

const (
	ColumnString ColumnType = iota
	ColumnDate
	ColumnNumber
	ColumnTimestamp
)

// String returns a human-readable representation of the ColumnType.
func (c ColumnType) String() string {
	switch c {
	case ColumnString:
		return "string"
	case ColumnDate:
		return "date"
	case ColumnNumber:
		return "number"
	case ColumnTimestamp:
		return "timestamp"
	default:
		return "unknown"
	}
}

// Column describes one column of the canonical transactions schema.
type Column struct {
	Name string
	Type ColumnType
}

// Columns returns the canonical transactions schema. Every managed
// table shares it; predicates may only reference these columns.
func Columns() []Column {
	return []Column{
		{Name: "transaction_id", Type: ColumnString},
		{Name: "customer_id", Type: ColumnString},
		{Name: "account_id", Type: ColumnString},
		{Name: "quarter", Type: ColumnString},
		{Name: "transaction_date", Type: ColumnDate},
		{Name: "description", Type: ColumnString},
		{Name: "amount", Type: ColumnNumber},
		{Name: "type", Type: ColumnString},
		{Name: "currency", Type: ColumnString},
		{Name: "created_at", Type: ColumnTimestamp},
		{Name: "updated_at", Type: ColumnTimestamp},
	}
}

// ColumnByName returns the schema column with the given name.
func ColumnByName(name string) (Column, bool) {
	for _, c := range Columns() {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}
