package bridge

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

// waitForDead polls until every process in pool is dead or the deadline hits.
func waitForDead(pool *ProcessPool, within time.Duration) bool {
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if pool.Stats().DeadProcesses == len(pool.processes) {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

// TestWatchHappyPath makes sure that when a watched file changes, the
// watcher eventually marks every process dead.
func TestWatchHappyPath(t *testing.T) {
	tmp := t.TempDir()

	pkgDir := filepath.Join(tmp, "pkg")
	if err := os.MkdirAll(pkgDir, 0o755); err != nil {
		t.Fatalf("mkdir pkg: %v", err)
	}

	pool := &ProcessPool{processes: []*Process{{}, {}}}

	r, err := Watch(tmp, pool, zap.NewNop())
	if err != nil {
		t.Fatalf("Watch returned error: %v", err)
	}
	defer r.Close()

	// touch a file in a subdirectory to trigger a change event
	if err := os.WriteFile(filepath.Join(pkgDir, "views.py"), []byte("# test"), 0o644); err != nil {
		t.Fatalf("write test file: %v", err)
	}

	if !waitForDead(pool, 2*time.Second) {
		t.Fatalf("expected processes to be marked dead after file change; stats=%#v", pool.Stats())
	}
}

func TestWatchIgnoresHiddenFiles(t *testing.T) {
	tmp := t.TempDir()

	pool := &ProcessPool{processes: []*Process{{}}}

	r, err := Watch(tmp, pool, zap.NewNop())
	if err != nil {
		t.Fatalf("Watch returned error: %v", err)
	}
	defer r.Close()

	if err := os.WriteFile(filepath.Join(tmp, ".swp"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write hidden file: %v", err)
	}

	if waitForDead(pool, 300*time.Millisecond) {
		t.Fatalf("hidden file change should not restart processes")
	}
}

func TestWatchMissingRoot(t *testing.T) {
	pool := &ProcessPool{processes: []*Process{{}}}

	if _, err := Watch(filepath.Join(t.TempDir(), "missing"), pool, nil); err == nil {
		t.Fatalf("expected error when the watched root does not exist")
	}
}

func TestReloaderCloseIsIdempotent(t *testing.T) {
	r, err := Watch(t.TempDir(), &ProcessPool{}, nil)
	if err != nil {
		t.Fatalf("Watch returned error: %v", err)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
