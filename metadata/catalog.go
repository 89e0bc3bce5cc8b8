package metadata

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

// Catalog indexes metadata documents by internal record id and answers
// filter queries with candidate id bitmaps.
//
// Equality-shaped conditions (eq, in, exists and their boolean combinations)
// are answered from a roaring-bitmap inverted index; range and containment
// conditions fall back to evaluating documents within the key's posting set.
type Catalog struct {
	mu   sync.RWMutex
	docs map[uint32]Document
	eq   map[string]map[string]*roaring.Bitmap // key -> value.Key() -> ids
	keys map[string]*roaring.Bitmap            // key -> ids having the key
	all  *roaring.Bitmap
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		docs: make(map[uint32]Document),
		eq:   make(map[string]map[string]*roaring.Bitmap),
		keys: make(map[string]*roaring.Bitmap),
		all:  roaring.New(),
	}
}

// Add indexes doc under id, replacing any previous document for that id.
// The catalog keeps a reference to doc; callers must not mutate it afterwards.
func (c *Catalog) Add(id uint32, doc Document) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.docs[id]; ok {
		c.removeLocked(id)
	}

	c.docs[id] = doc
	c.all.Add(id)

	for key, value := range doc {
		kb, ok := c.keys[key]
		if !ok {
			kb = roaring.New()
			c.keys[key] = kb
		}
		kb.Add(id)

		vals, ok := c.eq[key]
		if !ok {
			vals = make(map[string]*roaring.Bitmap)
			c.eq[key] = vals
		}
		vk := value.Key()
		vb, ok := vals[vk]
		if !ok {
			vb = roaring.New()
			vals[vk] = vb
		}
		vb.Add(id)
	}
}

// Remove drops the document indexed under id.
func (c *Catalog) Remove(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(id)
}

func (c *Catalog) removeLocked(id uint32) {
	doc, ok := c.docs[id]
	if !ok {
		return
	}
	delete(c.docs, id)
	c.all.Remove(id)

	for key, value := range doc {
		if kb, ok := c.keys[key]; ok {
			kb.Remove(id)
			if kb.IsEmpty() {
				delete(c.keys, key)
			}
		}
		if vals, ok := c.eq[key]; ok {
			vk := value.Key()
			if vb, ok := vals[vk]; ok {
				vb.Remove(id)
				if vb.IsEmpty() {
					delete(vals, vk)
				}
			}
			if len(vals) == 0 {
				delete(c.eq, key)
			}
		}
	}
}

// Get returns the document for id.
func (c *Catalog) Get(id uint32) (Document, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	doc, ok := c.docs[id]
	return doc, ok
}

// Count returns the number of indexed documents.
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs)
}

// Matches reports whether the document indexed under id satisfies pred.
// Unknown ids never match.
func (c *Catalog) Matches(id uint32, pred Predicate) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	doc, ok := c.docs[id]
	if !ok {
		return false
	}
	return pred.Matches(doc)
}

// Filter returns the set of ids whose documents satisfy pred.
// The returned bitmap is owned by the caller.
func (c *Catalog) Filter(pred Predicate) *roaring.Bitmap {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filterLocked(pred)
}

// Selectivity returns the fraction of indexed documents matching pred,
// along with the matching set itself so callers pay for the evaluation once.
func (c *Catalog) Selectivity(pred Predicate) (float64, *roaring.Bitmap) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	matched := c.filterLocked(pred)
	total := len(c.docs)
	if total == 0 {
		return 0, matched
	}
	return float64(matched.GetCardinality()) / float64(total), matched
}

func (c *Catalog) filterLocked(pred Predicate) *roaring.Bitmap {
	switch p := pred.(type) {
	case *Condition:
		return c.filterCondition(p)

	case *AndPredicate:
		if len(p.Preds) == 0 {
			return c.all.Clone()
		}
		result := c.filterLocked(p.Preds[0])
		for _, child := range p.Preds[1:] {
			if result.IsEmpty() {
				return result
			}
			result.And(c.filterLocked(child))
		}
		return result

	case *OrPredicate:
		result := roaring.New()
		for _, child := range p.Preds {
			result.Or(c.filterLocked(child))
		}
		return result

	case *NotPredicate:
		result := c.all.Clone()
		result.AndNot(c.filterLocked(p.Pred))
		return result

	default:
		// Unknown predicate type: evaluate per document.
		return c.scan(c.all, pred)
	}
}

func (c *Catalog) filterCondition(cond *Condition) *roaring.Bitmap {
	switch cond.Operator {
	case OpEqual:
		if vals, ok := c.eq[cond.Key]; ok {
			if vb, ok := vals[cond.Value.Key()]; ok {
				return vb.Clone()
			}
		}
		return roaring.New()

	case OpIn:
		result := roaring.New()
		vals, ok := c.eq[cond.Key]
		if !ok || cond.Value.Kind != KindArray {
			return result
		}
		for _, item := range cond.Value.A {
			if vb, ok := vals[item.Key()]; ok {
				result.Or(vb)
			}
		}
		return result

	case OpExists:
		if kb, ok := c.keys[cond.Key]; ok {
			return kb.Clone()
		}
		return roaring.New()

	case OpNotEqual:
		// A missing key never matches, so subtract from the key's posting set.
		kb, ok := c.keys[cond.Key]
		if !ok {
			return roaring.New()
		}
		result := kb.Clone()
		if vals, ok := c.eq[cond.Key]; ok {
			if vb, ok := vals[cond.Value.Key()]; ok {
				result.AndNot(vb)
			}
		}
		return result

	default:
		// Ranges and containment are not inverted-indexable; evaluate the
		// documents in the key's posting set.
		kb, ok := c.keys[cond.Key]
		if !ok {
			return roaring.New()
		}
		return c.scan(kb, cond)
	}
}

func (c *Catalog) scan(candidates *roaring.Bitmap, pred Predicate) *roaring.Bitmap {
	result := roaring.New()
	it := candidates.Iterator()
	for it.HasNext() {
		id := it.Next()
		if doc, ok := c.docs[id]; ok && pred.Matches(doc) {
			result.Add(id)
		}
	}
	return result
}
