package wal

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sfc-gh-agavic/lifecycle-policy/internal/domain"
)

// Row encoding format (binary, little-endian):
// - TransactionID length (2 bytes) + TransactionID string
// - CustomerID length (2 bytes) + CustomerID string
// - AccountID length (2 bytes) + AccountID string
// - TransactionDate (8 bytes, unix milliseconds)
// - Description length (2 bytes) + Description string
// - Amount (8 bytes, cents)
// - Type length (2 bytes) + Type string
// - Currency length (2 bytes) + Currency string
// - CreatedAt (8 bytes, unix milliseconds)
// - UpdatedAt (8 bytes, unix milliseconds)
//
// The quarter label is derived from TransactionDate on decode, so it is
// not stored.

// encodeRows encodes a slice of rows into a binary format.
func encodeRows(rows []domain.Transaction) ([]byte, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	// Estimate size: ~120 bytes per row average
	buf := make([]byte, 0, len(rows)*120)

	// Write row count
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(rows)))

	for _, t := range rows {
		// TransactionID
		buf = appendString(buf, t.TransactionID)
		// CustomerID
		buf = appendString(buf, t.CustomerID)
		// AccountID
		buf = appendString(buf, t.AccountID)
		// TransactionDate
		buf = binary.LittleEndian.AppendUint64(buf, uint64(t.TransactionDate.UnixMilli()))
		// Description
		buf = appendString(buf, t.Description)
		// Amount
		buf = binary.LittleEndian.AppendUint64(buf, uint64(t.Amount.Shift(2).IntPart()))
		// Type
		buf = appendString(buf, t.Type)
		// Currency
		buf = appendString(buf, t.Currency)
		// CreatedAt
		buf = binary.LittleEndian.AppendUint64(buf, uint64(t.CreatedAt.UnixMilli()))
		// UpdatedAt
		buf = binary.LittleEndian.AppendUint64(buf, uint64(t.UpdatedAt.UnixMilli()))
	}

	return buf, nil
}

// decodeRows decodes a binary format into a slice of rows.
func decodeRows(data []byte) ([]domain.Transaction, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("data too short for row count")
	}

	count := int(binary.LittleEndian.Uint32(data[0:4]))
	if count == 0 {
		return nil, nil
	}

	rows := make([]domain.Transaction, count)
	offset := 4

	for i := 0; i < count; i++ {
		var t domain.Transaction
		var err error

		// TransactionID
		t.TransactionID, offset, err = readString(data, offset)
		if err != nil {
			return nil, fmt.Errorf("row %d transaction_id: %w", i, err)
		}

		// CustomerID
		t.CustomerID, offset, err = readString(data, offset)
		if err != nil {
			return nil, fmt.Errorf("row %d customer_id: %w", i, err)
		}

		// AccountID
		t.AccountID, offset, err = readString(data, offset)
		if err != nil {
			return nil, fmt.Errorf("row %d account_id: %w", i, err)
		}

		// TransactionDate
		if offset+8 > len(data) {
			return nil, fmt.Errorf("row %d: data too short for transaction_date", i)
		}
		t.TransactionDate = msToTime(int64(binary.LittleEndian.Uint64(data[offset:])))
		offset += 8

		// Description
		t.Description, offset, err = readString(data, offset)
		if err != nil {
			return nil, fmt.Errorf("row %d description: %w", i, err)
		}

		// Amount
		if offset+8 > len(data) {
			return nil, fmt.Errorf("row %d: data too short for amount", i)
		}
		t.Amount = decimal.New(int64(binary.LittleEndian.Uint64(data[offset:])), -2)
		offset += 8

		// Type
		t.Type, offset, err = readString(data, offset)
		if err != nil {
			return nil, fmt.Errorf("row %d type: %w", i, err)
		}

		// Currency
		t.Currency, offset, err = readString(data, offset)
		if err != nil {
			return nil, fmt.Errorf("row %d currency: %w", i, err)
		}

		// CreatedAt
		if offset+8 > len(data) {
			return nil, fmt.Errorf("row %d: data too short for created_at", i)
		}
		t.CreatedAt = msToTime(int64(binary.LittleEndian.Uint64(data[offset:])))
		offset += 8

		// UpdatedAt
		if offset+8 > len(data) {
			return nil, fmt.Errorf("row %d: data too short for updated_at", i)
		}
		t.UpdatedAt = msToTime(int64(binary.LittleEndian.Uint64(data[offset:])))
		offset += 8

		t.Quarter = domain.QuarterOf(t.TransactionDate)

		rows[i] = t
	}

	return rows, nil
}

// appendString appends a length-prefixed string to the buffer.
func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// readString reads a length-prefixed string from the buffer.
func readString(data []byte, offset int) (string, int, error) {
	if offset+2 > len(data) {
		return "", offset, fmt.Errorf("data too short for string length")
	}

	length := int(binary.LittleEndian.Uint16(data[offset:]))
	offset += 2

	if offset+length > len(data) {
		return "", offset, fmt.Errorf("data too short for string content")
	}

	s := string(data[offset : offset+length])
	return s, offset + length, nil
}

// msToTime converts unix milliseconds to a UTC time.
func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
