//go:build linux

package cgroup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	appErr "github.com/Lylelee/nsjail/pkg/errors"
)

func newTestGovernor(t *testing.T) *Governor {
	t.Helper()
	g := NewGovernor(t.TempDir())
	g.pollInterval = 10 * time.Millisecond
	return g
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestCreateWritesLimits(t *testing.T) {
	g := newTestGovernor(t)
	h, err := g.Create(context.Background(), "jail-c1", DefaultLimits())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cases := map[string]string{
		"memory.max":      "10M",
		"memory.swap.max": "0",
		"cpu.max":         "25000 100000",
		"pids.max":        "5",
	}
	for file, want := range cases {
		if got := readFile(t, filepath.Join(h.Path, file)); got != want {
			t.Errorf("%s = %q, want %q", file, got, want)
		}
	}
	if got := readFile(t, filepath.Join(g.Root(), "cgroup.subtree_control")); got != "+memory" {
		// Each controller is enabled with its own write; the last one wins in a plain file.
		t.Errorf("subtree_control = %q, want last write +memory", got)
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	g := newTestGovernor(t)
	ctx := context.Background()
	if _, err := g.Create(ctx, "jail-c1", DefaultLimits()); err != nil {
		t.Fatalf("first create: %v", err)
	}
	h, err := g.Create(ctx, "jail-c1", DefaultLimits())
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if _, err := os.Stat(h.Path); err != nil {
		t.Fatalf("group dir missing: %v", err)
	}
}

func TestCreateUnlimitedValues(t *testing.T) {
	g := newTestGovernor(t)
	limits := Limits{CPUPeriod: 100000}
	h, err := g.Create(context.Background(), "jail-free", limits)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := readFile(t, filepath.Join(h.Path, "cpu.max")); got != "max 100000" {
		t.Errorf("cpu.max = %q", got)
	}
	if got := readFile(t, filepath.Join(h.Path, "pids.max")); got != "max" {
		t.Errorf("pids.max = %q", got)
	}
	if _, err := os.Stat(filepath.Join(h.Path, "memory.max")); !os.IsNotExist(err) {
		t.Errorf("memory.max should not be written for an empty value")
	}
}

func TestCreateFailures(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		root   string
		group  string
		limits Limits
		code   appErr.ErrorCode
	}{
		{"missing root", "/nonexistent/cgroup/root", "jail-x", DefaultLimits(), appErr.CgroupFailed},
		{"nested name", "", "a/b", DefaultLimits(), appErr.ValidationFailed},
		{"dot dot", "", "..", DefaultLimits(), appErr.ValidationFailed},
		{"zero period", "", "jail-x", Limits{CPUQuota: 5000}, appErr.ValidationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := tt.root
			if root == "" {
				root = t.TempDir()
			}
			_, err := NewGovernor(root).Create(ctx, tt.group, tt.limits)
			if !appErr.Is(err, tt.code) {
				t.Fatalf("err = %v, want code %d", err, tt.code)
			}
		})
	}
}

func TestAttach(t *testing.T) {
	g := newTestGovernor(t)
	ctx := context.Background()
	h, err := g.Create(ctx, "jail-c1", DefaultLimits())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := g.Attach(ctx, h, 4242); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if got := readFile(t, filepath.Join(h.Path, "cgroup.procs")); got != "4242" {
		t.Errorf("cgroup.procs = %q", got)
	}
	if err := g.Attach(ctx, h, 0); !appErr.Is(err, appErr.ValidationFailed) {
		t.Errorf("attach pid 0 = %v", err)
	}

	gone := &Handle{Name: "gone", Path: filepath.Join(g.Root(), "gone")}
	if err := g.Attach(ctx, gone, 4242); !appErr.Is(err, appErr.CgroupFailed) {
		t.Errorf("attach to missing group = %v", err)
	}
}

func TestWaitUntilEmptyReturnsOnceDrained(t *testing.T) {
	g := newTestGovernor(t)
	ctx := context.Background()
	h, err := g.Create(ctx, "jail-c1", DefaultLimits())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	events := filepath.Join(h.Path, "cgroup.events")
	if err := os.WriteFile(events, []byte("populated 1\nfrozen 0\n"), 0644); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 2)
	go func() { done <- g.WaitUntilEmpty(ctx, h) }()

	select {
	case err := <-done:
		t.Fatalf("returned early while populated: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	if err := os.WriteFile(events, []byte("populated 0\nfrozen 0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not observe empty group")
	}

	select {
	case err := <-done:
		t.Fatalf("wait returned twice: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWaitUntilEmptyAlreadyEmpty(t *testing.T) {
	g := newTestGovernor(t)
	h := &Handle{Name: "jail-c1", Path: t.TempDir()}
	if err := os.WriteFile(filepath.Join(h.Path, "cgroup.events"), []byte("populated 0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := g.WaitUntilEmpty(context.Background(), h); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestWaitUntilEmptyTreatsGarbageAsPopulated(t *testing.T) {
	g := newTestGovernor(t)
	h := &Handle{Name: "jail-c1", Path: t.TempDir()}
	if err := os.WriteFile(filepath.Join(h.Path, "cgroup.events"), []byte("populated many\n"), 0644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	if err := g.WaitUntilEmpty(ctx, h); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("wait = %v, want deadline exceeded", err)
	}
}

func TestWaitUntilEmptyCancel(t *testing.T) {
	g := newTestGovernor(t)
	h := &Handle{Name: "jail-c1", Path: t.TempDir()}
	if err := os.WriteFile(filepath.Join(h.Path, "cgroup.events"), []byte("populated 1\n"), 0644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.WaitUntilEmpty(ctx, h) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("wait = %v, want canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("wait ignored cancellation")
	}
}

func TestWaitUntilEmptyMissingEvents(t *testing.T) {
	g := newTestGovernor(t)
	h := &Handle{Name: "gone", Path: filepath.Join(t.TempDir(), "gone")}
	if err := g.WaitUntilEmpty(context.Background(), h); !appErr.Is(err, appErr.CgroupFailed) {
		t.Fatalf("wait = %v, want CgroupFailed", err)
	}
}

func TestDestroy(t *testing.T) {
	g := newTestGovernor(t)
	ctx := context.Background()

	empty := &Handle{Name: "empty", Path: filepath.Join(g.Root(), "empty")}
	if err := os.Mkdir(empty.Path, 0755); err != nil {
		t.Fatal(err)
	}
	if err := g.Destroy(ctx, empty); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := os.Stat(empty.Path); !os.IsNotExist(err) {
		t.Fatalf("group dir still present")
	}
	if err := g.Destroy(ctx, empty); err != nil {
		t.Fatalf("destroy absent group: %v", err)
	}

	busy, err := g.Create(ctx, "busy", DefaultLimits())
	if err != nil {
		t.Fatal(err)
	}
	err = g.Destroy(ctx, busy)
	if !appErr.Is(err, appErr.CleanupFailed) {
		t.Fatalf("destroy busy = %v, want CleanupFailed", err)
	}
}

func TestStats(t *testing.T) {
	g := newTestGovernor(t)
	h := &Handle{Name: "jail-c1", Path: t.TempDir()}
	files := map[string]string{
		"memory.events": "low 0\nhigh 0\nmax 3\noom 1\noom_kill 1\noom_group_kill 0\n",
		"pids.events":   "max 2\n",
		"memory.peak":   "1048576\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(h.Path, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	s := g.Stats(h)
	if s.OOMKills != 1 || s.PIDsMaxHits != 2 || s.MemoryPeakByte != 1048576 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestParsePopulated(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"populated 0\nfrozen 0\n", false},
		{"populated 1\nfrozen 0\n", true},
		{"frozen 0\npopulated 0\n", false},
		{"", true},
		{"populated", true},
		{"populated x", true},
	}
	for _, tt := range tests {
		t.Run(strings.ReplaceAll(tt.in, "\n", "|"), func(t *testing.T) {
			if got := parsePopulated(tt.in); got != tt.want {
				t.Errorf("parsePopulated(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestKillFallsBackToSignals(t *testing.T) {
	g := newTestGovernor(t)
	// A directory named cgroup.kill makes the write fail like an old kernel would.
	h := &Handle{Name: "old", Path: t.TempDir()}
	if err := os.Mkdir(filepath.Join(h.Path, "cgroup.kill"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(h.Path, "cgroup.procs"), []byte(""), 0644); err != nil {
		t.Fatal(err)
	}
	if err := g.Kill(context.Background(), h); err != nil {
		t.Fatalf("kill: %v", err)
	}
}
