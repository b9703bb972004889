package filter

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/sfc-gh-agavic/lifecycle-policy/internal/domain"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/errors"
)

const dateLayout = "2006-01-02"

// Validate checks a condition tree against the canonical transactions
// schema: every leaf must reference a known column with an operator
// and literal compatible with the column type. A nil tree is rejected,
// so an always-true predicate cannot pass validation.
func Validate(n *Node) error {
	if n == nil {
		return errors.ErrPredicateRequired
	}

	v := errors.NewValidationErrors()
	validateNode(n, v)
	return v.Err()
}

func validateNode(n *Node, v *errors.ValidationErrors) {
	if n.IsLogical() {
		if len(n.Children) == 0 {
			v.Add(errors.Wrap(errors.ErrInvalidPredicate, "logical node without operands"))
			return
		}
		for _, c := range n.Children {
			validateNode(c, v)
		}
		return
	}

	col, ok := domain.ColumnByName(n.Field)
	if !ok {
		v.Add(errors.Wrapf(errors.ErrUnknownColumn, "%s", n.Field))
		return
	}

	switch n.Kind {
	case KindCompare:
		if !operatorAllowed(col.Type, n.Op) {
			v.Add(errors.Wrapf(errors.ErrInvalidPredicate,
				"operator %s not supported for %s column %s", n.Op, col.Type, col.Name))
			return
		}
		if _, err := coerce(col, n.Value); err != nil {
			v.Add(err)
		}

	case KindBetween:
		if col.Type == domain.ColumnString {
			v.Add(errors.Wrapf(errors.ErrInvalidPredicate,
				"BETWEEN not supported for string column %s", col.Name))
			return
		}
		lo, loErr := coerce(col, n.Lo)
		hi, hiErr := coerce(col, n.Hi)
		v.Add(loErr)
		v.Add(hiErr)
		if loErr == nil && hiErr == nil && boundsReversed(lo, hi) {
			v.Add(errors.Wrapf(errors.ErrInvalidPredicate,
				"BETWEEN bounds for %s are reversed", col.Name))
		}

	case KindIn:
		if len(n.Values) == 0 {
			v.Add(errors.Wrapf(errors.ErrInvalidPredicate, "empty IN list for %s", col.Name))
			return
		}
		for _, val := range n.Values {
			if _, err := coerce(col, val); err != nil {
				v.Add(err)
			}
		}
	}
}

func operatorAllowed(t domain.ColumnType, op Operator) bool {
	switch t {
	case domain.ColumnString:
		return op == OpEqual || op == OpNotEqual
	default:
		switch op {
		case OpEqual, OpNotEqual, OpLessThan, OpLessEqual, OpGreaterThan, OpGreaterEqual:
			return true
		}
		return false
	}
}

// coerce converts a literal to the column's native representation.
func coerce(col domain.Column, v Value) (any, error) {
	switch col.Type {
	case domain.ColumnDate:
		if !v.Quoted {
			return nil, errors.Wrapf(errors.ErrInvalidPredicate,
				"%s expects a quoted date like '2023-01-31', got %s", col.Name, v.Text)
		}
		d, err := time.Parse(dateLayout, v.Text)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrInvalidPredicate,
				"%s: %q is not a date (want YYYY-MM-DD)", col.Name, v.Text)
		}
		return d.UTC(), nil

	case domain.ColumnTimestamp:
		if !v.Quoted {
			return nil, errors.Wrapf(errors.ErrInvalidPredicate,
				"%s expects a quoted timestamp, got %s", col.Name, v.Text)
		}
		if d, err := time.Parse(time.RFC3339, v.Text); err == nil {
			return d.UTC(), nil
		}
		if d, err := time.Parse(dateLayout, v.Text); err == nil {
			return d.UTC(), nil
		}
		return nil, errors.Wrapf(errors.ErrInvalidPredicate,
			"%s: %q is not a timestamp", col.Name, v.Text)

	case domain.ColumnNumber:
		if v.Quoted {
			return nil, errors.Wrapf(errors.ErrInvalidPredicate,
				"%s expects an unquoted number, got '%s'", col.Name, v.Text)
		}
		d, err := decimal.NewFromString(v.Text)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrInvalidPredicate,
				"%s: %q is not a number", col.Name, v.Text)
		}
		if !d.Equal(d.Round(2)) {
			return nil, errors.Wrapf(errors.ErrInvalidPredicate,
				"%s supports at most 2 decimal places, got %s", col.Name, v.Text)
		}
		return d, nil

	default:
		if !v.Quoted {
			return nil, errors.Wrapf(errors.ErrInvalidPredicate,
				"%s expects a quoted string, got %s", col.Name, v.Text)
		}
		return v.Text, nil
	}
}

func boundsReversed(lo, hi any) bool {
	switch l := lo.(type) {
	case time.Time:
		if h, ok := hi.(time.Time); ok {
			return l.After(h)
		}
	case decimal.Decimal:
		if h, ok := hi.(decimal.Decimal); ok {
			return l.GreaterThan(h)
		}
	}
	return false
}
