package pidfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestPIDFile(t *testing.T, pid int, alive ...int) *PIDFile {
	t.Helper()
	live := map[int]bool{}
	for _, p := range alive {
		live[p] = true
	}
	return &PIDFile{
		path:  filepath.Join(t.TempDir(), "run", "ccaswitchd.pid"),
		pid:   pid,
		alive: func(pid int) bool { return live[pid] },
	}
}

func TestCreateAndRemove(t *testing.T) {
	p := newTestPIDFile(t, 100)
	if err := p.Create(); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	pid, err := p.GetPID()
	if err != nil || pid != 100 {
		t.Fatalf("GetPID = %d, %v; want 100", pid, err)
	}
	if err := p.Remove(); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := os.Stat(p.Path()); !os.IsNotExist(err) {
		t.Fatalf("PID file still exists: %v", err)
	}
	if err := p.Remove(); err != nil {
		t.Fatalf("second Remove should be a no-op, got %v", err)
	}
}

func TestCreateRefusesLiveOwner(t *testing.T) {
	p := newTestPIDFile(t, 100, 200)
	other := &PIDFile{path: p.path, pid: 200, alive: p.alive}
	if err := other.Create(); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	err := p.Create()
	if !errors.Is(err, ErrRunning) {
		t.Fatalf("expected ErrRunning, got %v", err)
	}
	running, pid, err := p.CheckRunning()
	if err != nil || !running || pid != 200 {
		t.Fatalf("CheckRunning = %v, %d, %v", running, pid, err)
	}
	if err := p.Remove(); err == nil {
		t.Fatal("Remove must not delete a file owned by another PID")
	}
}

func TestCreateReplacesStaleFile(t *testing.T) {
	p := newTestPIDFile(t, 100)
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		t.Fatal(err)
	}

	for _, content := range []string{"300\n", "garbage"} {
		if err := os.WriteFile(p.path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := p.Create(); err != nil {
			t.Fatalf("Create over %q failed: %v", content, err)
		}
		if pid, _ := p.GetPID(); pid != 100 {
			t.Fatalf("PID = %d, want 100", pid)
		}
	}
}

func TestProcessAlive(t *testing.T) {
	if !processAlive(os.Getpid()) {
		t.Fatal("current process should be alive")
	}
}
