package session

import (
	"errors"
	"slices"
	"time"
)

var (
	// ErrExists is returned when inserting a session whose ID is in use.
	ErrExists = errors.New("session: identifier in use")

	// ErrRetired is returned when inserting a session whose ID belonged to
	// a collected session.
	ErrRetired = errors.New("session: identifier retired")
)

// Handle addresses a table slot. A handle stays valid until its session is
// collected; the slot may then be reused under a new generation.
type Handle uint64

func makeHandle(index, gen uint32) Handle { return Handle(uint64(gen)<<32 | uint64(index)) }

func (h Handle) index() uint32 { return uint32(h) }
func (h Handle) gen() uint32   { return uint32(h >> 32) }

type slot struct {
	gen  uint32
	sess *Session
}

// Table owns every live session. Sessions are indexed by their
// server-issued ID and by the raw ID the client started with, so packets
// sent before the client switched identifiers still find their session.
type Table struct {
	slots []slot
	free  []uint32
	count int

	byID  map[string]Handle
	byRaw map[string]Handle

	retired   map[string]time.Time
	retireFor time.Duration
	now       func() time.Time
}

// NewTable creates a table that refuses identifiers of collected sessions
// for retireFor.
func NewTable(retireFor time.Duration) *Table {
	return &Table{
		byID:      make(map[string]Handle),
		byRaw:     make(map[string]Handle),
		retired:   make(map[string]time.Time),
		retireFor: retireFor,
		now:       time.Now,
	}
}

// Len returns the number of live sessions.
func (t *Table) Len() int { return t.count }

// RetiredLen returns the number of retired identifiers not yet expired.
func (t *Table) RetiredLen() int { return len(t.retired) }

// Insert adds s and returns its handle.
func (t *Table) Insert(s *Session) (Handle, error) {
	key := string(s.ID)
	if _, ok := t.byID[key]; ok {
		return 0, ErrExists
	}
	if t.IsRetired(s.ID) {
		return 0, ErrRetired
	}

	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		idx = uint32(len(t.slots))
		t.slots = append(t.slots, slot{})
	}

	sl := &t.slots[idx]
	sl.sess = s
	h := makeHandle(idx, sl.gen)

	t.byID[key] = h
	if len(s.RawID) > 0 {
		if _, taken := t.byRaw[string(s.RawID)]; !taken {
			t.byRaw[string(s.RawID)] = h
		}
	}
	t.count++
	return h, nil
}

// Get returns the session behind h, or nil if it was collected.
func (t *Table) Get(h Handle) *Session {
	i := h.index()
	if int(i) >= len(t.slots) {
		return nil
	}
	sl := t.slots[i]
	if sl.gen != h.gen() {
		return nil
	}
	return sl.sess
}

// Lookup finds the session a packet addressed to dcid belongs to. The
// server-issued index is consulted before the raw one.
func (t *Table) Lookup(dcid []byte) (Handle, bool) {
	if h, ok := t.byID[string(dcid)]; ok {
		return h, true
	}
	h, ok := t.byRaw[string(dcid)]
	return h, ok
}

// IsRetired reports whether id belonged to a collected session within the
// retirement period.
func (t *Table) IsRetired(id []byte) bool {
	until, ok := t.retired[string(id)]
	if !ok {
		return false
	}
	if t.now().After(until) {
		delete(t.retired, string(id))
		return false
	}
	return true
}

// Each calls fn for every live session in slot order.
func (t *Table) Each(fn func(Handle, *Session)) {
	for i := range t.slots {
		sl := &t.slots[i]
		if sl.sess != nil {
			fn(makeHandle(uint32(i), sl.gen), sl.sess)
		}
	}
}

// MinTimeout returns the earliest timer across all sessions.
func (t *Table) MinTimeout() (time.Duration, bool) {
	var (
		best  time.Duration
		found bool
	)
	t.Each(func(_ Handle, s *Session) {
		d, ok := s.Conn.Timeout()
		if ok && (!found || d < best) {
			best, found = d, true
		}
	})
	return best, found
}

// Collect removes every session whose transport reached its final state,
// retires their identifiers and calls fn for each before it is dropped.
// It returns the number removed.
func (t *Table) Collect(fn func(*Session)) int {
	now := t.now()
	for id, until := range t.retired {
		if now.After(until) {
			delete(t.retired, id)
		}
	}

	removed := 0
	for i := range t.slots {
		sl := &t.slots[i]
		if sl.sess == nil || !sl.sess.Conn.IsClosed() {
			continue
		}

		s := sl.sess
		h := makeHandle(uint32(i), sl.gen)
		if fn != nil {
			fn(s)
		}

		delete(t.byID, string(s.ID))
		if cur, ok := t.byRaw[string(s.RawID)]; ok && cur == h {
			delete(t.byRaw, string(s.RawID))
		}
		if t.retireFor > 0 {
			until := now.Add(t.retireFor)
			t.retired[string(s.ID)] = until
			if len(s.RawID) > 0 {
				t.retired[string(s.RawID)] = until
			}
		}

		sl.sess = nil
		sl.gen++
		t.free = append(t.free, uint32(i))
		t.count--
		removed++
	}

	if removed > 0 {
		// reuse low slots first
		slices.Sort(t.free)
		slices.Reverse(t.free)
	}
	return removed
}
