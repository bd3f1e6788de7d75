package storage

import (
	"github.com/orneryd/tgraph/pkg/mvcc"
)

// position names one of the two link cells of a sequence member.
type position uint8

const (
	posPrev position = iota
	posNext
)

func (p position) String() string {
	if p == posPrev {
		return "prev"
	}
	return "next"
}

// sequence is a doubly linked list threaded through versioned cells.
//
// All reads go through Cell.Get and all writes through Cell.Set, so the same
// code edits a transaction's private view while it runs and the latest
// persistent state during its writing phase. touch, if set, is called for
// every member whose own link cell was written.
type sequence[K comparable] struct {
	first, last *mvcc.Cell[K]
	prev, next  func(K) *mvcc.Cell[K]
	touch       func(k K, pos position, explicit bool)
}

func (s sequence[K]) set(tx *mvcc.Tx, c *mvcc.Cell[K], v K, explicit bool) error {
	return c.Set(tx, v, explicit)
}

func (s sequence[K]) link(tx *mvcc.Tx, k K, pos position, v K, explicit bool) error {
	c := s.next(k)
	if pos == posPrev {
		c = s.prev(k)
	}
	if err := c.Set(tx, v, explicit); err != nil {
		return err
	}
	if s.touch != nil {
		s.touch(k, pos, explicit)
	}
	return nil
}

func (s sequence[K]) head(tx *mvcc.Tx) K {
	return s.first.Get(tx)
}

func (s sequence[K]) tail(tx *mvcc.Tx) K {
	return s.last.Get(tx)
}

// unlink removes k. Its neighbours are rewired implicitly; k's own links are
// cleared with the given explicit flag.
func (s sequence[K]) unlink(tx *mvcc.Tx, k K, explicit bool) error {
	var zero K
	p := s.prev(k).Get(tx)
	n := s.next(k).Get(tx)

	if p == zero {
		if err := s.set(tx, s.first, n, false); err != nil {
			return err
		}
	} else if err := s.link(tx, p, posNext, n, false); err != nil {
		return err
	}

	if n == zero {
		if err := s.set(tx, s.last, p, false); err != nil {
			return err
		}
	} else if err := s.link(tx, n, posPrev, p, false); err != nil {
		return err
	}

	if err := s.link(tx, k, posPrev, zero, explicit); err != nil {
		return err
	}
	return s.link(tx, k, posNext, zero, explicit)
}

// insertAfter links k, which must not be a member, right after after. A zero
// after inserts at the front.
func (s sequence[K]) insertAfter(tx *mvcc.Tx, k, after K, explicit bool) error {
	var zero K
	var n K
	if after == zero {
		n = s.first.Get(tx)
	} else {
		n = s.next(after).Get(tx)
	}

	if err := s.link(tx, k, posPrev, after, explicit); err != nil {
		return err
	}
	if err := s.link(tx, k, posNext, n, explicit); err != nil {
		return err
	}

	if after == zero {
		if err := s.set(tx, s.first, k, false); err != nil {
			return err
		}
	} else if err := s.link(tx, after, posNext, k, false); err != nil {
		return err
	}

	if n == zero {
		return s.set(tx, s.last, k, false)
	}
	return s.link(tx, n, posPrev, k, false)
}

// append links k at the end.
func (s sequence[K]) append(tx *mvcc.Tx, k K, explicit bool) error {
	return s.insertAfter(tx, k, s.last.Get(tx), explicit)
}

// moveAfter relinks member k right after member after (zero: to the front).
// The move is explicit: k's own link cells record it.
func (s sequence[K]) moveAfter(tx *mvcc.Tx, k, after K) error {
	var zero K
	if k == after {
		return ErrInvalidPosition
	}
	if s.prev(k).Get(tx) == after && (after != zero || s.first.Get(tx) == k) {
		return s.claim(tx, k)
	}
	if err := s.unlink(tx, k, false); err != nil {
		return err
	}
	return s.insertAfter(tx, k, after, true)
}

// claim marks k's current position as explicitly requested without moving it.
func (s sequence[K]) claim(tx *mvcc.Tx, k K) error {
	if err := s.link(tx, k, posPrev, s.prev(k).Get(tx), true); err != nil {
		return err
	}
	return s.link(tx, k, posNext, s.next(k).Get(tx), true)
}

// moveBefore relinks member k right before member before.
func (s sequence[K]) moveBefore(tx *mvcc.Tx, k, before K) error {
	if k == before {
		return ErrInvalidPosition
	}
	if s.next(k).Get(tx) == before {
		return s.claim(tx, k)
	}
	if err := s.unlink(tx, k, false); err != nil {
		return err
	}
	return s.insertAfter(tx, k, s.prev(before).Get(tx), true)
}

// members walks the sequence from the front.
func (s sequence[K]) members(tx *mvcc.Tx) []K {
	var zero K
	var out []K
	for k := s.first.Get(tx); k != zero; k = s.next(k).Get(tx) {
		out = append(out, k)
	}
	return out
}
