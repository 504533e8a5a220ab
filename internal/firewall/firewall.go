// Package firewall exposes the host firewall as a narrow capability:
// query, ban and unban a single address. Implementations must be safe
// for concurrent use and idempotent (banning an already banned address
// succeeds silently).
package firewall

import (
	"fmt"
	"net/netip"
	"os/exec"
	"strings"
	"sync"
)

// Authority is the ground truth for "is this address blocked".
type Authority interface {
	IsBlocked(addr netip.Addr) (bool, error)
	Ban(addr netip.Addr) error
	Unban(addr netip.Addr) error
}

// IPTables implements Authority by invoking the iptables binary,
// managing DROP rules on the INPUT chain. A mutex serializes rule
// mutations; iptables itself does not tolerate concurrent writers
// well.
type IPTables struct {
	mu   sync.Mutex
	path string
}

// NewIPTables locates the iptables binary.
func NewIPTables() (*IPTables, error) {
	path, err := exec.LookPath("iptables")
	if err != nil {
		return nil, fmt.Errorf("iptables not found: %w", err)
	}
	return &IPTables{path: path}, nil
}

func (t *IPTables) ruleArgs(op string, addr netip.Addr) []string {
	return []string{op, "INPUT", "-s", addr.String(), "-j", "DROP"}
}

func (t *IPTables) IsBlocked(addr netip.Addr) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	out, err := exec.Command(t.path, t.ruleArgs("-C", addr)...).CombinedOutput()
	if err == nil {
		return true, nil
	}
	// iptables -C exits 1 when the rule does not exist; other
	// failures (permission, bad chain) surface as errors.
	if ee, ok := err.(*exec.ExitError); ok && ee.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("block check for %s: %v: %s", addr, err, strings.TrimSpace(string(out)))
}

func (t *IPTables) Ban(addr netip.Addr) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	// check-then-append keeps Ban idempotent
	if err := exec.Command(t.path, t.ruleArgs("-C", addr)...).Run(); err == nil {
		return nil
	}
	out, err := exec.Command(t.path, t.ruleArgs("-A", addr)...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("ban %s: %v: %s", addr, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (t *IPTables) Unban(addr netip.Addr) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	// delete every matching rule; stop once none remain
	for {
		err := exec.Command(t.path, t.ruleArgs("-D", addr)...).Run()
		if err == nil {
			continue
		}
		if ee, ok := err.(*exec.ExitError); ok && ee.ExitCode() == 1 {
			return nil
		}
		return fmt.Errorf("unban %s: %w", addr, err)
	}
}

// Memory is an in-process Authority used by tests and by dry-run mode.
type Memory struct {
	mu      sync.Mutex
	blocked map[netip.Addr]struct{}

	// FailFor makes calls touching these addresses return an error,
	// for exercising the conservative classification paths.
	FailFor map[netip.Addr]error
}

func NewMemory() *Memory {
	return &Memory{blocked: make(map[netip.Addr]struct{})}
}

func (m *Memory) IsBlocked(addr netip.Addr) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailFor[addr]; err != nil {
		return false, err
	}
	_, ok := m.blocked[addr]
	return ok, nil
}

func (m *Memory) Ban(addr netip.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailFor[addr]; err != nil {
		return err
	}
	m.blocked[addr] = struct{}{}
	return nil
}

func (m *Memory) Unban(addr netip.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailFor[addr]; err != nil {
		return err
	}
	delete(m.blocked, addr)
	return nil
}

// Blocked returns the number of currently blocked addresses.
func (m *Memory) Blocked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blocked)
}
