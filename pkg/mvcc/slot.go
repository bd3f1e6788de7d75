package mvcc

import (
	"fmt"
	"sort"
)

type slotKind uint8

const (
	slotEmpty slotKind = iota
	slotSingle
	slotMulti
)

type entry[T any] struct {
	version Version
	value   T
}

// slot is the storage behind both the persistent and the temporary side of a
// Cell. It is a tagged union: nothing, exactly one entry, or a run of entries
// with strictly increasing versions. The single form avoids allocating a
// slice for the common case of a value that only ever had one version.
type slot[T any] struct {
	kind slotKind
	one  entry[T]
	many []entry[T]
}

func (s *slot[T]) len() int {
	switch s.kind {
	case slotSingle:
		return 1
	case slotMulti:
		return len(s.many)
	}
	return 0
}

func (s *slot[T]) latest() (entry[T], bool) {
	switch s.kind {
	case slotSingle:
		return s.one, true
	case slotMulti:
		return s.many[len(s.many)-1], true
	}
	return entry[T]{}, false
}

// at returns the newest entry whose version is not greater than v.
func (s *slot[T]) at(v Version) (entry[T], bool) {
	switch s.kind {
	case slotSingle:
		if s.one.version <= v {
			return s.one, true
		}
	case slotMulti:
		i := sort.Search(len(s.many), func(i int) bool { return s.many[i].version > v })
		if i > 0 {
			return s.many[i-1], true
		}
	}
	return entry[T]{}, false
}

// put stores value at version v. v must not precede the latest version; an
// entry with the same version is overwritten.
func (s *slot[T]) put(v Version, value T) {
	switch s.kind {
	case slotEmpty:
		s.kind = slotSingle
		s.one = entry[T]{version: v, value: value}
	case slotSingle:
		if s.one.version == v {
			s.one.value = value
			return
		}
		if v < s.one.version {
			panic(fmt.Sprintf("mvcc: version %d precedes latest version %d", v, s.one.version))
		}
		s.many = []entry[T]{s.one, {version: v, value: value}}
		s.one = entry[T]{}
		s.kind = slotMulti
	case slotMulti:
		last := &s.many[len(s.many)-1]
		if last.version == v {
			last.value = value
			return
		}
		if v < last.version {
			panic(fmt.Sprintf("mvcc: version %d precedes latest version %d", v, last.version))
		}
		s.many = append(s.many, entry[T]{version: v, value: value})
	}
}

// replaceLatest overwrites the latest entry in place, moving it to version v.
func (s *slot[T]) replaceLatest(v Version, value T) {
	switch s.kind {
	case slotEmpty:
		s.put(v, value)
	case slotSingle:
		s.one = entry[T]{version: v, value: value}
	case slotMulti:
		n := len(s.many)
		if n > 1 && s.many[n-2].version >= v {
			panic(fmt.Sprintf("mvcc: version %d does not follow version %d", v, s.many[n-2].version))
		}
		s.many[n-1] = entry[T]{version: v, value: value}
	}
}

// setSingle forces the single form holding value.
func (s *slot[T]) setSingle(value T) {
	s.kind = slotSingle
	s.one = entry[T]{value: value}
	s.many = nil
}

// toMulti converts the single form into a one-entry run.
func (s *slot[T]) toMulti() {
	if s.kind != slotSingle {
		return
	}
	s.many = []entry[T]{s.one}
	s.one = entry[T]{}
	s.kind = slotMulti
}

// collapse reduces the slot to its latest entry.
func (s *slot[T]) collapse() {
	if e, ok := s.latest(); ok {
		s.kind = slotSingle
		s.one = e
		s.many = nil
	}
}

// truncateAfter drops every entry newer than v and reports whether any entry
// remains.
func (s *slot[T]) truncateAfter(v Version) bool {
	switch s.kind {
	case slotSingle:
		if s.one.version > v {
			*s = slot[T]{}
		}
	case slotMulti:
		i := sort.Search(len(s.many), func(i int) bool { return s.many[i].version > v })
		if i == 0 {
			*s = slot[T]{}
		} else {
			s.many = s.many[:i]
		}
	}
	return s.kind != slotEmpty
}

// dropBefore discards entries that no reader at version v or later can see:
// everything older than the newest entry at or below v. Returns the number of
// discarded entries.
func (s *slot[T]) dropBefore(v Version) int {
	if s.kind != slotMulti {
		return 0
	}
	i := sort.Search(len(s.many), func(i int) bool { return s.many[i].version > v })
	keep := i - 1
	if keep <= 0 {
		return 0
	}
	rest := make([]entry[T], len(s.many)-keep)
	copy(rest, s.many[keep:])
	s.many = rest
	if len(s.many) == 1 {
		s.collapse()
	}
	return keep
}
