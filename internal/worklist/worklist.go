// Package worklist provides the duplicate-free worklists consumed by
// the background workers: an ordered address set for the probe worker
// and a FIFO group queue for the status worker. Neither type is safe
// for concurrent use; each worker owns its list and mutates it only
// from its own goroutine.
package worklist

import "net/netip"

// AddressSet is an ordered set of addresses with add-if-absent
// semantics on every insertion path. Round-robin iteration is driven
// by the caller via Len and At.
type AddressSet struct {
	addrs []netip.Addr
	index map[netip.Addr]struct{}
}

func NewAddressSet() *AddressSet {
	return &AddressSet{index: make(map[netip.Addr]struct{})}
}

// Push adds addr if it is not already present.
func (s *AddressSet) Push(addr netip.Addr) {
	if _, ok := s.index[addr]; ok {
		return
	}
	s.index[addr] = struct{}{}
	s.addrs = append(s.addrs, addr)
}

// Append pushes every address, skipping those already present.
func (s *AddressSet) Append(addrs []netip.Addr) {
	for _, a := range addrs {
		s.Push(a)
	}
}

// Remove deletes addr. Removing an absent address is a no-op.
func (s *AddressSet) Remove(addr netip.Addr) {
	if _, ok := s.index[addr]; !ok {
		return
	}
	delete(s.index, addr)
	for i, a := range s.addrs {
		if a == addr {
			s.addrs = append(s.addrs[:i], s.addrs[i+1:]...)
			return
		}
	}
}

func (s *AddressSet) Clear() {
	s.addrs = s.addrs[:0]
	s.index = make(map[netip.Addr]struct{})
}

func (s *AddressSet) Len() int { return len(s.addrs) }

func (s *AddressSet) At(i int) netip.Addr { return s.addrs[i] }

func (s *AddressSet) Contains(addr netip.Addr) bool {
	_, ok := s.index[addr]
	return ok
}

// Snapshot returns a copy of the current contents.
func (s *AddressSet) Snapshot() []netip.Addr {
	out := make([]netip.Addr, len(s.addrs))
	copy(out, s.addrs)
	return out
}

// GroupEntry is one pending classification request.
type GroupEntry struct {
	Name  string
	Addrs []netip.Addr
}

// GroupQueue is a FIFO of pending group classifications holding at
// most one entry per group name. Re-appending a queued group replaces
// its address list in place (last write wins) rather than duplicating
// the entry.
type GroupQueue struct {
	entries []GroupEntry
}

func NewGroupQueue() *GroupQueue {
	return &GroupQueue{}
}

// Append enqueues every entry of batch. Entries whose name is already
// queued, or that appear more than once within batch, update the
// existing entry instead of adding a second one.
func (q *GroupQueue) Append(batch []GroupEntry) {
	for _, e := range batch {
		if i := q.find(e.Name); i >= 0 {
			q.entries[i] = e
			continue
		}
		q.entries = append(q.entries, e)
	}
}

// Remove drops the pending entry for name, if any.
func (q *GroupQueue) Remove(name string) {
	if i := q.find(name); i >= 0 {
		q.entries = append(q.entries[:i], q.entries[i+1:]...)
	}
}

func (q *GroupQueue) Clear() { q.entries = q.entries[:0] }

func (q *GroupQueue) Len() int { return len(q.entries) }

// Pop removes and returns the oldest entry.
func (q *GroupQueue) Pop() (GroupEntry, bool) {
	if len(q.entries) == 0 {
		return GroupEntry{}, false
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	return e, true
}

func (q *GroupQueue) find(name string) int {
	for i, e := range q.entries {
		if e.Name == name {
			return i
		}
	}
	return -1
}
