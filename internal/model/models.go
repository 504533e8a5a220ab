package model

import (
	"fmt"
	"net/netip"
	"sort"
	"time"
)

// Group is a named region of remote server endpoints, treated as one
// unit for enable/disable. Built once at catalog load and never
// mutated afterwards except by full catalog replacement.
type Group struct {
	Name        string
	Addrs       []netip.Addr
	Description string
	Geo         *GeoPoint
}

// GeoPoint is an optional map coordinate attached to a group.
type GeoPoint struct {
	Lon float64
	Lat float64
}

// StateKind classifies a group's aggregate block status.
type StateKind int

const (
	// StateUnknown is the initial state before the first
	// classification report arrives. It is never equivalent to
	// StateNoneBlocked: an unclassified group's addresses must not
	// enter the probe worklist.
	StateUnknown StateKind = iota
	StateAllBlocked
	StateNoneBlocked
	StatePartiallyBlocked
)

func (k StateKind) String() string {
	switch k {
	case StateAllBlocked:
		return "All Blocked"
	case StateNoneBlocked:
		return "None Blocked"
	case StatePartiallyBlocked:
		return "Partially Blocked"
	default:
		return "Unknown"
	}
}

// GroupState is the aggregate block state of one group. Blocked is
// populated only for StatePartiallyBlocked.
type GroupState struct {
	Kind    StateKind
	Blocked []netip.Addr
}

// Equal reports whether two states are qualitatively the same. Used
// by the reconciler to skip worklist churn on no-op status reports.
func (s GroupState) Equal(o GroupState) bool {
	if s.Kind != o.Kind {
		return false
	}
	if len(s.Blocked) != len(o.Blocked) {
		return false
	}
	seen := make(map[netip.Addr]struct{}, len(s.Blocked))
	for _, a := range s.Blocked {
		seen[a] = struct{}{}
	}
	for _, a := range o.Blocked {
		if _, ok := seen[a]; !ok {
			return false
		}
	}
	return true
}

func (s GroupState) String() string {
	if s.Kind == StatePartiallyBlocked {
		return fmt.Sprintf("%s (%d blocked)", s.Kind, len(s.Blocked))
	}
	return s.Kind.String()
}

// ProbeReport is one probe outcome for one address, emitted by the
// probe worker. Err is nil on success; RTT is valid only then.
type ProbeReport struct {
	Addr netip.Addr
	RTT  time.Duration
	Err  error
}

// StatusReport is one classification result for one group, emitted by
// the status worker.
type StatusReport struct {
	Group string
	State GroupState
}

// SortGroups orders groups by name for stable iteration.
func SortGroups(groups []Group) {
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].Name < groups[j].Name
	})
}
