package filter

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sfc-gh-agavic/lifecycle-policy/internal/domain"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/errors"
)

// Compile translates a validated condition tree into a WHERE clause
// over the physical parquet schema with positional $N parameters.
//
// Physical encoding: date and timestamp columns are stored as unix
// milliseconds under a _ms suffix, the amount column as integer cents
// under a _cents suffix. Literals are converted to the physical
// representation here, so comparisons stay purely numeric in the scan.
func Compile(n *Node) (string, []any, error) {
	if n == nil {
		return "", nil, errors.ErrPredicateRequired
	}

	c := &compiler{}
	var b strings.Builder
	if err := c.emit(n, &b); err != nil {
		return "", nil, err
	}
	return b.String(), c.args, nil
}

type compiler struct {
	args []any
}

// placeholder appends an argument and returns its positional marker.
func (c *compiler) placeholder(arg any) string {
	c.args = append(c.args, arg)
	return fmt.Sprintf("$%d", len(c.args))
}

func (c *compiler) emit(n *Node, b *strings.Builder) error {
	switch n.Kind {
	case KindAnd, KindOr:
		sep := " AND "
		if n.Kind == KindOr {
			sep = " OR "
		}
		for i, child := range n.Children {
			if i > 0 {
				b.WriteString(sep)
			}
			b.WriteString("(")
			if err := c.emit(child, b); err != nil {
				return err
			}
			b.WriteString(")")
		}
		return nil

	case KindNot:
		b.WriteString("NOT (")
		if err := c.emit(n.Children[0], b); err != nil {
			return err
		}
		b.WriteString(")")
		return nil

	case KindCompare:
		col, arg, err := c.leaf(n.Field, n.Value)
		if err != nil {
			return err
		}
		b.WriteString(physicalName(col))
		b.WriteString(" ")
		b.WriteString(string(n.Op))
		b.WriteString(" ")
		b.WriteString(c.placeholder(arg))
		return nil

	case KindBetween:
		col, lo, err := c.leaf(n.Field, n.Lo)
		if err != nil {
			return err
		}
		_, hi, err := c.leaf(n.Field, n.Hi)
		if err != nil {
			return err
		}
		b.WriteString(physicalName(col))
		b.WriteString(" BETWEEN ")
		b.WriteString(c.placeholder(lo))
		b.WriteString(" AND ")
		b.WriteString(c.placeholder(hi))
		return nil

	case KindIn:
		col, ok := domain.ColumnByName(n.Field)
		if !ok {
			return errors.Wrapf(errors.ErrUnknownColumn, "%s", n.Field)
		}
		b.WriteString(physicalName(col))
		b.WriteString(" IN (")
		for i, v := range n.Values {
			arg, err := physicalValue(col, v)
			if err != nil {
				return err
			}
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(c.placeholder(arg))
		}
		b.WriteString(")")
		return nil

	default:
		return errors.Wrapf(errors.ErrInvalidPredicate, "unknown node kind %d", n.Kind)
	}
}

func (c *compiler) leaf(field string, v Value) (domain.Column, any, error) {
	col, ok := domain.ColumnByName(field)
	if !ok {
		return domain.Column{}, nil, errors.Wrapf(errors.ErrUnknownColumn, "%s", field)
	}
	arg, err := physicalValue(col, v)
	if err != nil {
		return domain.Column{}, nil, err
	}
	return col, arg, nil
}

// physicalName maps a logical column to its parquet column name.
func physicalName(col domain.Column) string {
	switch col.Type {
	case domain.ColumnDate, domain.ColumnTimestamp:
		return col.Name + "_ms"
	case domain.ColumnNumber:
		return col.Name + "_cents"
	default:
		return col.Name
	}
}

// physicalValue converts a coerced literal to the physical scan type.
func physicalValue(col domain.Column, v Value) (any, error) {
	native, err := coerce(col, v)
	if err != nil {
		return nil, err
	}
	switch val := native.(type) {
	case time.Time:
		return val.UnixMilli(), nil
	case decimal.Decimal:
		return val.Shift(2).IntPart(), nil
	default:
		return val, nil
	}
}

// DateBounds derives the inclusive transaction-date interval a tree
// can match for the given date column. Zero endpoints are unbounded.
// The result is conservative: it may be wider than the true match set
// but never narrower, so partition pruning stays correct.
func (n *Node) DateBounds(field string) (from, to time.Time) {
	if n == nil {
		return time.Time{}, time.Time{}
	}

	switch n.Kind {
	case KindAnd:
		// Intersect: tightest bounds win.
		for _, c := range n.Children {
			f, t := c.DateBounds(field)
			if !f.IsZero() && (from.IsZero() || f.After(from)) {
				from = f
			}
			if !t.IsZero() && (to.IsZero() || t.Before(to)) {
				to = t
			}
		}
		return from, to

	case KindOr:
		// Union: any unbounded side makes the union unbounded.
		first := true
		for _, c := range n.Children {
			f, t := c.DateBounds(field)
			if first {
				from, to = f, t
				first = false
				continue
			}
			if f.IsZero() || from.IsZero() {
				from = time.Time{}
			} else if f.Before(from) {
				from = f
			}
			if t.IsZero() || to.IsZero() {
				to = time.Time{}
			} else if t.After(to) {
				to = t
			}
		}
		return from, to

	case KindNot:
		// Negation is not bounded in general.
		return time.Time{}, time.Time{}
	}

	if n.Field != field {
		return time.Time{}, time.Time{}
	}
	col, ok := domain.ColumnByName(field)
	if !ok || col.Type != domain.ColumnDate {
		return time.Time{}, time.Time{}
	}

	switch n.Kind {
	case KindCompare:
		d, err := coerce(col, n.Value)
		if err != nil {
			return time.Time{}, time.Time{}
		}
		day := d.(time.Time)
		switch n.Op {
		case OpEqual:
			return day, day
		case OpLessThan:
			return time.Time{}, day.AddDate(0, 0, -1)
		case OpLessEqual:
			return time.Time{}, day
		case OpGreaterThan:
			return day.AddDate(0, 0, 1), time.Time{}
		case OpGreaterEqual:
			return day, time.Time{}
		default:
			return time.Time{}, time.Time{}
		}

	case KindBetween:
		lo, loErr := coerce(col, n.Lo)
		hi, hiErr := coerce(col, n.Hi)
		if loErr != nil || hiErr != nil {
			return time.Time{}, time.Time{}
		}
		return lo.(time.Time), hi.(time.Time)

	case KindIn:
		for _, v := range n.Values {
			d, err := coerce(col, v)
			if err != nil {
				return time.Time{}, time.Time{}
			}
			day := d.(time.Time)
			if from.IsZero() || day.Before(from) {
				from = day
			}
			if to.IsZero() || day.After(to) {
				to = day
			}
		}
		return from, to
	}

	return time.Time{}, time.Time{}
}
