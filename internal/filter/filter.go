// Package filter implements the predicate language used by lifecycle
// policies and archive retrieval.
//
// A predicate is a boolean expression over the canonical transactions
// schema, e.g.:
//
//	transaction_date BETWEEN '2023-01-01' AND '2023-03-31' AND type = 'FEE'
//
// Predicates are parsed into a condition tree, validated against the
// schema, and compiled to a parameterized SQL WHERE clause for the
// archive scanner. The transaction-date bounds derivable from a tree
// drive partition pruning.
package filter

import (
	"strings"
)

// Kind discriminates condition tree nodes.
type Kind int

const (
	// KindCompare is a simple comparison: field op literal.
	KindCompare Kind = iota
	// KindBetween is a closed-interval test: field BETWEEN lo AND hi.
	KindBetween
	// KindIn is a set membership test: field IN (a, b, ...).
	KindIn
	// KindAnd is the conjunction of all children.
	KindAnd
	// KindOr is the disjunction of all children.
	KindOr
	// KindNot negates its single child.
	KindNot
)

// Operator is a comparison operator in a KindCompare node.
type Operator string

const (
	OpEqual        Operator = "="
	OpNotEqual     Operator = "!="
	OpLessThan     Operator = "<"
	OpLessEqual    Operator = "<="
	OpGreaterThan  Operator = ">"
	OpGreaterEqual Operator = ">="
)

// Value is a literal operand as written in the predicate text.
// Coercion to the column's type happens during validation.
type Value struct {
	Text   string
	Quoted bool
}

// Node is one node of a condition tree.
type Node struct {
	Kind     Kind
	Field    string   // KindCompare, KindBetween, KindIn
	Op       Operator // KindCompare
	Value    Value    // KindCompare
	Lo, Hi   Value    // KindBetween
	Values   []Value  // KindIn
	Children []*Node  // KindAnd, KindOr, KindNot
}

// IsLogical returns true for and/or/not nodes.
func (n *Node) IsLogical() bool {
	return n.Kind == KindAnd || n.Kind == KindOr || n.Kind == KindNot
}

// Compare builds a simple comparison node.
func Compare(field string, op Operator, value Value) *Node {
	return &Node{Kind: KindCompare, Field: field, Op: op, Value: value}
}

// Between builds a closed-interval node.
func Between(field string, lo, hi Value) *Node {
	return &Node{Kind: KindBetween, Field: field, Lo: lo, Hi: hi}
}

// In builds a set membership node.
func In(field string, values ...Value) *Node {
	return &Node{Kind: KindIn, Field: field, Values: values}
}

// And conjoins nodes.
func And(children ...*Node) *Node {
	return &Node{Kind: KindAnd, Children: children}
}

// Or disjoins nodes.
func Or(children ...*Node) *Node {
	return &Node{Kind: KindOr, Children: children}
}

// Not negates a node.
func Not(child *Node) *Node {
	return &Node{Kind: KindNot, Children: []*Node{child}}
}

// Str and Num build literal values for programmatic predicates.
func Str(s string) Value { return Value{Text: s, Quoted: true} }
func Num(s string) Value { return Value{Text: s} }

// String renders the canonical text form of the predicate. Parsing
// the result yields an equivalent tree.
func (n *Node) String() string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	n.render(&b)
	return b.String()
}

func (n *Node) render(b *strings.Builder) {
	switch n.Kind {
	case KindCompare:
		b.WriteString(n.Field)
		b.WriteString(" ")
		b.WriteString(string(n.Op))
		b.WriteString(" ")
		n.Value.render(b)
	case KindBetween:
		b.WriteString(n.Field)
		b.WriteString(" BETWEEN ")
		n.Lo.render(b)
		b.WriteString(" AND ")
		n.Hi.render(b)
	case KindIn:
		b.WriteString(n.Field)
		b.WriteString(" IN (")
		for i, v := range n.Values {
			if i > 0 {
				b.WriteString(", ")
			}
			v.render(b)
		}
		b.WriteString(")")
	case KindAnd, KindOr:
		sep := " AND "
		if n.Kind == KindOr {
			sep = " OR "
		}
		for i, c := range n.Children {
			if i > 0 {
				b.WriteString(sep)
			}
			if c.IsLogical() {
				b.WriteString("(")
				c.render(b)
				b.WriteString(")")
			} else {
				c.render(b)
			}
		}
	case KindNot:
		b.WriteString("NOT (")
		n.Children[0].render(b)
		b.WriteString(")")
	}
}

func (v Value) render(b *strings.Builder) {
	if v.Quoted {
		b.WriteString("'")
		b.WriteString(strings.ReplaceAll(v.Text, "'", "''"))
		b.WriteString("'")
		return
	}
	b.WriteString(v.Text)
}

// ReferencedColumns returns the distinct column names the tree
// touches, in first-seen order.
func (n *Node) ReferencedColumns() []string {
	seen := make(map[string]bool)
	var out []string
	n.walk(func(leaf *Node) {
		if leaf.Field != "" && !seen[leaf.Field] {
			seen[leaf.Field] = true
			out = append(out, leaf.Field)
		}
	})
	return out
}

func (n *Node) walk(fn func(leaf *Node)) {
	if n == nil {
		return
	}
	if n.IsLogical() {
		for _, c := range n.Children {
			c.walk(fn)
		}
		return
	}
	fn(n)
}
