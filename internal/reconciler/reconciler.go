// Package reconciler owns the authoritative in-memory view of
// per-group block state and ping history, and coordinates the two
// background workers: every mutation goes to the firewall authority
// first, then triggers an asynchronous re-classification, and the
// resulting status reports drive the probe worklist. The reconciler
// never sets group state directly from its own mutations; state
// changes only on status worker reports, so the view cannot diverge
// from the firewall's ground truth.
package reconciler

import (
	"fmt"
	"log/slog"
	"net/netip"
	"regexp"
	"sync"
	"time"

	"server-region-blocker/internal/firewall"
	"server-region-blocker/internal/model"
	"server-region-blocker/internal/probe"
	"server-region-blocker/internal/status"
	"server-region-blocker/internal/worklist"
)

// MaxHistory caps the per-address ping history, most recent first.
const MaxHistory = 20

// Config tunes the reconciler and its workers.
type Config struct {
	Probe  probe.Config
	Status status.Config

	// FlushTimeout bounds the wait for a worker's flush
	// acknowledgment before purging ping history. Default 2s.
	FlushTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 2 * time.Second
	}
	return c
}

// Reconciler is the session state behind the UI. All methods must be
// called from the same goroutine (the UI/main loop); the workers are
// reached only through their message channels.
type Reconciler struct {
	groups    []model.Group
	groupOf   map[netip.Addr]string
	authority firewall.Authority

	prober  *probe.Worker
	checker *status.Worker

	states   map[string]model.GroupState
	history  map[netip.Addr][]model.ProbeReport
	selected map[netip.Addr]bool

	cfg       Config
	closeOnce sync.Once
}

// New starts both workers and enqueues every group for its initial
// classification. No address enters the probe worklist until its
// group's first real classification arrives; Unknown is not
// NoneBlocked.
func New(groups []model.Group, authority firewall.Authority, engine probe.Engine, cfg Config) *Reconciler {
	cfg = cfg.withDefaults()

	r := &Reconciler{
		groups:    groups,
		groupOf:   make(map[netip.Addr]string),
		authority: authority,
		prober:    probe.NewWorker(engine, cfg.Probe),
		checker:   status.NewWorker(authority, cfg.Status),
		states:    make(map[string]model.GroupState),
		history:   make(map[netip.Addr][]model.ProbeReport),
		selected:  make(map[netip.Addr]bool),
		cfg:       cfg,
	}
	for _, g := range groups {
		r.states[g.Name] = model.GroupState{Kind: model.StateUnknown}
		for _, a := range g.Addrs {
			r.groupOf[a] = g.Name
			r.selected[a] = false
		}
	}

	r.prober.Start()
	r.checker.Start()
	r.checker.Append(r.allEntries())

	return r
}

// Close kills both workers and joins them. Safe to call more than
// once.
func (r *Reconciler) Close() {
	r.closeOnce.Do(func() {
		r.checker.Stop()
		r.prober.Stop()
	})
}

// Groups returns the catalog in stable name order.
func (r *Reconciler) Groups() []model.Group { return r.groups }

// State returns the last known aggregate state for the group.
func (r *Reconciler) State(name string) model.GroupState {
	if s, ok := r.states[name]; ok {
		return s
	}
	return model.GroupState{Kind: model.StateUnknown}
}

// Update drains both report channels and applies the feedback loop.
// It must be called periodically, once per UI tick.
func (r *Reconciler) Update() {
	r.drainProbeReports()
	r.drainStatusReports()
}

func (r *Reconciler) drainProbeReports() {
	for {
		select {
		case report := <-r.prober.Reports():
			hist := append([]model.ProbeReport{report}, r.history[report.Addr]...)
			if len(hist) > MaxHistory {
				hist = hist[:MaxHistory]
			}
			r.history[report.Addr] = hist
		default:
			return
		}
	}
}

func (r *Reconciler) drainStatusReports() {
	var purge []netip.Addr
	for {
		select {
		case report := <-r.checker.Reports():
			purge = append(purge, r.applyStatus(report)...)
		default:
			if len(purge) > 0 {
				r.purgeHistory(purge)
			}
			return
		}
	}
}

// applyStatus folds one classification report into the state map and
// returns the addresses whose history must be purged. Worklist
// adjustments happen only on a qualitative state change.
func (r *Reconciler) applyStatus(report model.StatusReport) []netip.Addr {
	group := r.findGroup(report.Group)
	if group == nil {
		slog.Warn("Status report for unknown group", "group", report.Group)
		return nil
	}
	prev := r.State(report.Group)
	if prev.Equal(report.State) {
		return nil
	}
	r.states[report.Group] = report.State

	switch report.State.Kind {
	case model.StateAllBlocked:
		for _, a := range group.Addrs {
			r.prober.Remove(a)
		}
		return group.Addrs

	case model.StatePartiallyBlocked:
		blocked := make(map[netip.Addr]struct{}, len(report.State.Blocked))
		for _, a := range report.State.Blocked {
			blocked[a] = struct{}{}
			r.prober.Remove(a)
		}
		var active []netip.Addr
		for _, a := range group.Addrs {
			if _, ok := blocked[a]; !ok {
				active = append(active, a)
			}
		}
		r.prober.Append(active)
		return report.State.Blocked

	case model.StateNoneBlocked:
		r.prober.Append(group.Addrs)
	}
	return nil
}

// purgeHistory removes the ping history of addrs, but only after a
// flush barrier on the probe worker: any report already emitted for a
// just-removed address must land in the channel and be drained first,
// or a late arrival would resurrect the purged entry.
func (r *Reconciler) purgeHistory(addrs []netip.Addr) {
	if !r.prober.Flush(r.cfg.FlushTimeout) {
		slog.Warn("Probe worker flush timed out before history purge")
	}
	r.drainProbeReports()
	for _, a := range addrs {
		delete(r.history, a)
	}
}

// EnableAll unbans every address and resets the probe worklist to the
// currently active addresses. Groups still marked AllBlocked rejoin
// the worklist once their re-classification lands.
func (r *Reconciler) EnableAll() {
	for i := range r.groups {
		r.unbanGroup(&r.groups[i])
	}
	r.checker.Append(r.allEntries())
	r.prober.Clear()
	r.appendActiveAddrs()
}

// DisableAll bans every address, empties the probe worklist and
// purges all ping history.
func (r *Reconciler) DisableAll() {
	for i := range r.groups {
		r.banGroup(&r.groups[i])
	}
	r.checker.Append(r.allEntries())
	r.prober.Clear()

	if !r.prober.Flush(r.cfg.FlushTimeout) {
		slog.Warn("Probe worker flush timed out before history purge")
	}
	r.drainProbeReports()
	r.history = make(map[netip.Addr][]model.ProbeReport)
}

// EnableGroup unbans every address of the named group.
func (r *Reconciler) EnableGroup(name string) error {
	group := r.findGroup(name)
	if group == nil {
		return fmt.Errorf("unknown group %q", name)
	}
	r.enableGroup(group)
	return nil
}

// DisableGroup bans every address of the named group and purges its
// ping history.
func (r *Reconciler) DisableGroup(name string) error {
	group := r.findGroup(name)
	if group == nil {
		return fmt.Errorf("unknown group %q", name)
	}
	r.purgeHistory(r.disableGroup(group))
	return nil
}

// EnableAddress unbans a single address.
func (r *Reconciler) EnableAddress(addr netip.Addr) error {
	group := r.findGroup(r.groupOf[addr])
	if group == nil {
		return fmt.Errorf("address %s not in any group", addr)
	}
	r.enableAddr(addr, group)
	return nil
}

// DisableAddress bans a single address and purges its ping history.
func (r *Reconciler) DisableAddress(addr netip.Addr) error {
	group := r.findGroup(r.groupOf[addr])
	if group == nil {
		return fmt.Errorf("address %s not in any group", addr)
	}
	r.disableAddr(addr, group)
	r.purgeHistory([]netip.Addr{addr})
	return nil
}

// SetSelected marks an address in the selection view-model.
func (r *Reconciler) SetSelected(addr netip.Addr, selected bool) {
	if _, ok := r.groupOf[addr]; ok {
		r.selected[addr] = selected
	}
}

// Selected reports the selection flag for an address.
func (r *Reconciler) Selected(addr netip.Addr) bool { return r.selected[addr] }

// EnableSelected enables every selected address. When every address
// of every group is selected it degenerates to EnableAll, which
// resets the worklist instead of diffing per address.
func (r *Reconciler) EnableSelected() {
	if r.allSelected() {
		r.EnableAll()
		return
	}
	for i := range r.groups {
		group := &r.groups[i]
		switch sel := r.countSelected(group); {
		case sel == len(group.Addrs):
			r.enableGroup(group)
		case sel > 0:
			for _, a := range group.Addrs {
				if r.selected[a] {
					r.enableAddr(a, group)
				}
			}
		}
	}
}

// DisableSelected disables every selected address, purging history in
// one batch at the end.
func (r *Reconciler) DisableSelected() {
	if r.allSelected() {
		r.DisableAll()
		return
	}
	var purge []netip.Addr
	for i := range r.groups {
		group := &r.groups[i]
		switch sel := r.countSelected(group); {
		case sel == len(group.Addrs):
			purge = append(purge, r.disableGroup(group)...)
		case sel > 0:
			for _, a := range group.Addrs {
				if r.selected[a] {
					r.disableAddr(a, group)
					purge = append(purge, a)
				}
			}
		}
	}
	if len(purge) > 0 {
		r.purgeHistory(purge)
	}
}

// EnableMatching enables every group whose name matches re and does
// not match exclude (which may be nil). Returns the matched count.
func (r *Reconciler) EnableMatching(re, exclude *regexp.Regexp) int {
	matched := 0
	for i := range r.groups {
		group := &r.groups[i]
		if !re.MatchString(group.Name) || (exclude != nil && exclude.MatchString(group.Name)) {
			continue
		}
		r.enableGroup(group)
		matched++
	}
	return matched
}

// DisableMatching disables every group whose name matches re and does
// not match exclude (which may be nil). Returns the matched count.
func (r *Reconciler) DisableMatching(re, exclude *regexp.Regexp) int {
	matched := 0
	var purge []netip.Addr
	for i := range r.groups {
		group := &r.groups[i]
		if !re.MatchString(group.Name) || (exclude != nil && exclude.MatchString(group.Name)) {
			continue
		}
		purge = append(purge, r.disableGroup(group)...)
		matched++
	}
	if len(purge) > 0 {
		r.purgeHistory(purge)
	}
	return matched
}

// AggregatePing sums the ping history of addrs: total round-trip time
// over successful samples, total sample count and lost count.
func (r *Reconciler) AggregatePing(addrs []netip.Addr) PingStats {
	var stats PingStats
	for _, a := range addrs {
		for _, report := range r.history[a] {
			stats.Samples++
			if report.Err != nil {
				stats.Lost++
				continue
			}
			stats.TotalRTT += report.RTT
		}
	}
	return stats
}

// History returns the most-recent-first probe history for an address.
func (r *Reconciler) History(addr netip.Addr) []model.ProbeReport {
	return r.history[addr]
}

// enableGroup unbans the group's addresses, requeues classification
// and re-adds the addresses to the probe worklist. The remove before
// append is deliberate: the addresses may have just transitioned from
// blocked, and stale membership must not suppress re-insertion.
func (r *Reconciler) enableGroup(group *model.Group) {
	r.unbanGroup(group)
	r.checker.Append([]worklist.GroupEntry{{Name: group.Name, Addrs: group.Addrs}})
	for _, a := range group.Addrs {
		r.prober.Remove(a)
	}
	r.prober.Append(group.Addrs)
}

// disableGroup bans the group's addresses, requeues classification
// and removes the addresses from the probe worklist. The caller purges
// the returned addresses' history.
func (r *Reconciler) disableGroup(group *model.Group) []netip.Addr {
	r.banGroup(group)
	r.checker.Append([]worklist.GroupEntry{{Name: group.Name, Addrs: group.Addrs}})
	for _, a := range group.Addrs {
		r.prober.Remove(a)
	}
	return group.Addrs
}

func (r *Reconciler) enableAddr(addr netip.Addr, group *model.Group) {
	if err := r.authority.Unban(addr); err != nil {
		slog.Error("Failed to unban address", "group", group.Name, "addr", addr, "error", err)
	}
	r.requeueGroup(group)
	r.prober.Push(addr)
}

func (r *Reconciler) disableAddr(addr netip.Addr, group *model.Group) {
	if err := r.authority.Ban(addr); err != nil {
		slog.Error("Failed to ban address", "group", group.Name, "addr", addr, "error", err)
	}
	r.requeueGroup(group)
	r.prober.Remove(addr)
}

// requeueGroup forces a fresh classification for the group even if
// one is already pending with a stale address view.
func (r *Reconciler) requeueGroup(group *model.Group) {
	r.checker.Remove(group.Name)
	r.checker.Append([]worklist.GroupEntry{{Name: group.Name, Addrs: group.Addrs}})
}

// unbanGroup unbans every address, continuing past per-address
// failures; partial failure is expected and tolerated.
func (r *Reconciler) unbanGroup(group *model.Group) {
	for _, a := range group.Addrs {
		if err := r.authority.Unban(a); err != nil {
			slog.Error("Failed to unban address", "group", group.Name, "addr", a, "error", err)
		}
	}
}

func (r *Reconciler) banGroup(group *model.Group) {
	for _, a := range group.Addrs {
		if err := r.authority.Ban(a); err != nil {
			slog.Error("Failed to ban address", "group", group.Name, "addr", a, "error", err)
		}
	}
}

// appendActiveAddrs adds to the probe worklist the addresses of every
// group whose last known state is neither AllBlocked nor Unknown.
// Unclassified groups stay out so their addresses are not probed
// twice once the real classification arrives.
func (r *Reconciler) appendActiveAddrs() {
	for _, g := range r.groups {
		switch r.State(g.Name).Kind {
		case model.StateAllBlocked, model.StateUnknown:
		default:
			r.prober.Append(g.Addrs)
		}
	}
}

func (r *Reconciler) allEntries() []worklist.GroupEntry {
	entries := make([]worklist.GroupEntry, 0, len(r.groups))
	for _, g := range r.groups {
		entries = append(entries, worklist.GroupEntry{Name: g.Name, Addrs: g.Addrs})
	}
	return entries
}

func (r *Reconciler) findGroup(name string) *model.Group {
	for i := range r.groups {
		if r.groups[i].Name == name {
			return &r.groups[i]
		}
	}
	return nil
}

func (r *Reconciler) allSelected() bool {
	for _, g := range r.groups {
		for _, a := range g.Addrs {
			if !r.selected[a] {
				return false
			}
		}
	}
	return true
}

func (r *Reconciler) countSelected(group *model.Group) int {
	n := 0
	for _, a := range group.Addrs {
		if r.selected[a] {
			n++
		}
	}
	return n
}
