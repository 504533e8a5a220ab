package main

import (
	"bytes"
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"server-region-blocker/internal/firewall"
	"server-region-blocker/internal/probe"
	"server-region-blocker/internal/reconciler"
	"server-region-blocker/internal/status"
)

func TestNewRootCmd(t *testing.T) {
	cmd := newRootCmd()
	if cmd == nil {
		t.Fatal("newRootCmd returned nil")
	}
	if cmd.Use != "blocker" {
		t.Errorf("Expected use 'blocker', got '%s'", cmd.Use)
	}
}

func TestCompilePattern(t *testing.T) {
	re, err := compilePattern("")
	if re != nil || err != nil {
		t.Errorf("expected nil regex for empty pattern, got %v, %v", re, err)
	}

	re, err = compilePattern("^sg")
	if err != nil || re == nil || !re.MatchString("sgp") {
		t.Errorf("expected working regex, got %v, %v", re, err)
	}

	if _, err = compilePattern("["); err == nil {
		t.Error("expected error for invalid pattern")
	}
}

func TestSetupLogger(t *testing.T) {
	levels := []string{"DEBUG", "INFO", "WARN", "ERROR", "UNKNOWN"}
	for _, lvl := range levels {
		if l := setupLogger(lvl, ""); l == nil {
			t.Errorf("setupLogger returned nil for level %s", lvl)
		}
	}

	tmpDir := t.TempDir()
	if l := setupLogger("INFO", filepath.Join(tmpDir, "test.log")); l == nil {
		t.Error("setupLogger with file returned nil")
	}
	if l := setupLogger("INFO", "/nonexistent/path/to/log.log"); l == nil {
		t.Error("setupLogger should return a logger even if file fails")
	}
}

func TestLoadGroupsErrors(t *testing.T) {
	origProvider, origDSN := provider, dbDSN
	defer func() { provider, dbDSN = origProvider, origDSN }()

	provider = "invalid"
	if _, err := loadGroups(context.Background()); err == nil {
		t.Error("Expected error for unknown provider")
	}

	provider = "mariadb"
	dbDSN = ""
	if _, err := loadGroups(context.Background()); err == nil {
		t.Error("Expected error for missing mariadb DSN")
	}
}

func TestLoadGroupsFromFile(t *testing.T) {
	origProvider, origPath, origRefresh := provider, configPath, refresh
	defer func() { provider, configPath, refresh = origProvider, origPath, origRefresh }()

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")
	data := `{"pops": {"sgp": {"desc": "Singapore", "relays": [{"ipv4": "1.2.3.4"}]}}}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	provider = "file"
	configPath = path
	refresh = false

	groups, err := loadGroups(context.Background())
	if err != nil {
		t.Fatalf("loadGroups failed: %v", err)
	}
	if len(groups) != 1 || groups[0].Name != "sgp" {
		t.Fatalf("unexpected groups: %+v", groups)
	}
}

type stubEngine struct{}

func (stubEngine) Probe(_ context.Context, _ netip.Addr, _ uint16, _ time.Duration) (probe.Outcome, error) {
	return probe.Outcome{RTT: 5 * time.Millisecond}, nil
}

func TestRenderStatus(t *testing.T) {
	origProvider, origPath := provider, configPath
	defer func() { provider, configPath = origProvider, origPath }()

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")
	data := `{"pops": {"sgp": {"desc": "Singapore", "relays": [{"ipv4": "1.2.3.4"}]}}}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	provider = "file"
	configPath = path

	groups, err := loadGroups(context.Background())
	if err != nil {
		t.Fatalf("loadGroups failed: %v", err)
	}

	rec := reconciler.New(groups, firewall.NewMemory(), stubEngine{}, reconciler.Config{
		Probe:  probe.Config{Timeout: time.Millisecond, IdleSleep: time.Millisecond},
		Status: status.Config{IdleSleep: time.Millisecond},
	})
	defer rec.Close()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !allClassified(rec) {
		rec.Update()
		time.Sleep(time.Millisecond)
	}
	if !allClassified(rec) {
		t.Fatal("groups did not classify in time")
	}

	var buf bytes.Buffer
	renderStatus(&buf, rec)
	out := buf.String()
	if !strings.Contains(out, "sgp") || !strings.Contains(out, "None Blocked") {
		t.Fatalf("unexpected status output:\n%s", out)
	}
}
