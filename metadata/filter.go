package metadata

import "strings"

// Operator represents a comparison operator for filtering.
type Operator string

const (
	// OpEqual represents the equality operator.
	OpEqual Operator = "eq"
	// OpNotEqual represents the inequality operator.
	OpNotEqual Operator = "ne"
	// OpGreaterThan represents the greater than operator.
	OpGreaterThan Operator = "gt"
	// OpGreaterEqual represents the greater than or equal operator.
	OpGreaterEqual Operator = "gte"
	// OpLessThan represents the less than operator.
	OpLessThan Operator = "lt"
	// OpLessEqual represents the less than or equal operator.
	OpLessEqual Operator = "lte"
	// OpIn matches when the document value equals any element of the filter array.
	OpIn Operator = "in"
	// OpContains matches substring containment for strings, or element
	// membership when the document value is an array.
	OpContains Operator = "contains"
	// OpExists matches when the key is present, regardless of value.
	OpExists Operator = "exists"
)

// Predicate is a filter expression evaluated against a document.
// Predicates compose with And, Or and Not.
type Predicate interface {
	// Matches reports whether the document satisfies the predicate.
	Matches(doc Document) bool
}

// Condition is a single key/operator/value comparison.
type Condition struct {
	Key      string
	Operator Operator
	Value    Value
}

// Matches implements Predicate.
func (c *Condition) Matches(doc Document) bool {
	value, exists := doc[c.Key]
	if c.Operator == OpExists {
		return exists
	}
	if !exists {
		return false
	}

	switch c.Operator {
	case OpEqual:
		return compareEqual(value, c.Value)
	case OpNotEqual:
		return !compareEqual(value, c.Value)
	case OpGreaterThan:
		return compareGreater(value, c.Value)
	case OpGreaterEqual:
		return compareGreater(value, c.Value) || compareEqual(value, c.Value)
	case OpLessThan:
		return compareLess(value, c.Value)
	case OpLessEqual:
		return compareLess(value, c.Value) || compareEqual(value, c.Value)
	case OpIn:
		return compareIn(value, c.Value)
	case OpContains:
		return compareContains(value, c.Value)
	default:
		return false
	}
}

// AndPredicate matches when all children match.
type AndPredicate struct{ Preds []Predicate }

// Matches implements Predicate.
func (p *AndPredicate) Matches(doc Document) bool {
	for _, child := range p.Preds {
		if !child.Matches(doc) {
			return false
		}
	}
	return true
}

// OrPredicate matches when any child matches.
type OrPredicate struct{ Preds []Predicate }

// Matches implements Predicate.
func (p *OrPredicate) Matches(doc Document) bool {
	for _, child := range p.Preds {
		if child.Matches(doc) {
			return true
		}
	}
	return false
}

// NotPredicate inverts its child.
type NotPredicate struct{ Pred Predicate }

// Matches implements Predicate.
func (p *NotPredicate) Matches(doc Document) bool {
	return !p.Pred.Matches(doc)
}

// Eq matches documents where key equals v.
func Eq(key string, v Value) Predicate {
	return &Condition{Key: key, Operator: OpEqual, Value: v}
}

// Ne matches documents where key does not equal v.
func Ne(key string, v Value) Predicate {
	return &Condition{Key: key, Operator: OpNotEqual, Value: v}
}

// Gt matches documents where key is numerically greater than v.
func Gt(key string, v Value) Predicate {
	return &Condition{Key: key, Operator: OpGreaterThan, Value: v}
}

// Gte matches documents where key is numerically greater than or equal to v.
func Gte(key string, v Value) Predicate {
	return &Condition{Key: key, Operator: OpGreaterEqual, Value: v}
}

// Lt matches documents where key is numerically less than v.
func Lt(key string, v Value) Predicate {
	return &Condition{Key: key, Operator: OpLessThan, Value: v}
}

// Lte matches documents where key is numerically less than or equal to v.
func Lte(key string, v Value) Predicate {
	return &Condition{Key: key, Operator: OpLessEqual, Value: v}
}

// In matches documents where key equals any element of vs.
func In(key string, vs ...Value) Predicate {
	return &Condition{Key: key, Operator: OpIn, Value: Array(vs...)}
}

// Contains matches substring containment (string values) or element
// membership (array values).
func Contains(key string, v Value) Predicate {
	return &Condition{Key: key, Operator: OpContains, Value: v}
}

// Exists matches documents that have the key.
func Exists(key string) Predicate {
	return &Condition{Key: key, Operator: OpExists}
}

// And combines predicates with AND logic.
func And(preds ...Predicate) Predicate {
	return &AndPredicate{Preds: preds}
}

// Or combines predicates with OR logic.
func Or(preds ...Predicate) Predicate {
	return &OrPredicate{Preds: preds}
}

// Not inverts a predicate.
func Not(pred Predicate) Predicate {
	return &NotPredicate{Pred: pred}
}

func compareEqual(a, b Value) bool {
	if a.Kind == KindNull && b.Kind == KindNull {
		return true
	}
	if a.Kind == KindNull || b.Kind == KindNull {
		return false
	}

	if isNumber(a) && isNumber(b) {
		// Prefer exact int compare when possible.
		if a.Kind == KindInt && b.Kind == KindInt {
			return a.I64 == b.I64
		}
		return asFloat64(a) == asFloat64(b)
	}

	if a.Kind != b.Kind {
		return false
	}

	switch a.Kind {
	case KindString:
		return a.S == b.S
	case KindBool:
		return a.B == b.B
	case KindArray:
		if len(a.A) != len(b.A) {
			return false
		}
		for i := range a.A {
			if !compareEqual(a.A[i], b.A[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func compareGreater(a, b Value) bool {
	if !isNumber(a) || !isNumber(b) {
		return false
	}
	return asFloat64(a) > asFloat64(b)
}

func compareLess(a, b Value) bool {
	if !isNumber(a) || !isNumber(b) {
		return false
	}
	return asFloat64(a) < asFloat64(b)
}

func compareIn(a, b Value) bool {
	if b.Kind != KindArray {
		return false
	}
	for _, item := range b.A {
		if compareEqual(a, item) {
			return true
		}
	}
	return false
}

func compareContains(a, b Value) bool {
	if a.Kind == KindArray {
		for _, item := range a.A {
			if compareEqual(item, b) {
				return true
			}
		}
		return false
	}
	if a.Kind != KindString || b.Kind != KindString {
		return false
	}
	return strings.Contains(a.S, b.S)
}

func isNumber(v Value) bool {
	return v.Kind == KindInt || v.Kind == KindFloat
}

func asFloat64(v Value) float64 {
	switch v.Kind {
	case KindInt:
		return float64(v.I64)
	case KindFloat:
		return v.F64
	default:
		return 0
	}
}
