package storage

import (
	"fmt"
)

// attributes returns the attribute set of el, which must exist for this
// transaction.
func (t *Transaction) attributes(el Element) (*attributeSet, error) {
	switch el.Kind {
	case GraphKind:
		return &t.graph.rec.attrs, nil
	case VertexKind:
		rec, err := t.vertex(VertexID(el.ID))
		if err != nil {
			return nil, err
		}
		return &rec.attrs, nil
	case EdgeKind:
		rec, err := t.edge(EdgeID(el.ID))
		if err != nil {
			return nil, err
		}
		return &rec.attrs, nil
	}
	return nil, fmt.Errorf("element %v: %w", el, ErrNotFound)
}

// Attribute returns the value of an attribute, or nil if el has no
// attribute of that name.
func (t *Transaction) Attribute(el Element, name string) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.tx.CheckReadable(); err != nil {
		return nil, err
	}
	set, err := t.attributes(el)
	if err != nil {
		return nil, err
	}
	c, ok := set.lookup(name)
	if !ok {
		return nil, nil
	}
	return c.Get(t.tx), nil
}

// SetAttribute sets an attribute. A nil value removes it.
func (t *Transaction) SetAttribute(el Element, name string, value any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.tx.CheckWritable(); err != nil {
		return err
	}
	set, err := t.attributes(el)
	if err != nil {
		return err
	}
	if err := set.cell(name).Set(t.tx, value, true); err != nil {
		return err
	}
	t.cs.touchAttribute(el, name)
	return t.changed()
}

// AttributeNames returns the names of el's attributes, sorted.
func (t *Transaction) AttributeNames(el Element) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.tx.CheckReadable(); err != nil {
		return nil, err
	}
	set, err := t.attributes(el)
	if err != nil {
		return nil, err
	}
	names, cells := set.all()
	out := names[:0]
	for i, c := range cells {
		if c.Get(t.tx) != nil {
			out = append(out, names[i])
		}
	}
	return out, nil
}
