package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrRunning is returned by Create when another live daemon owns the file
var ErrRunning = errors.New("daemon already running")

// PIDFile represents a PID file for daemon process management
type PIDFile struct {
	path string
	pid  int

	// replaced in tests
	alive func(pid int) bool
}

// New creates a new PIDFile instance for the current process
func New(path string) *PIDFile {
	return &PIDFile{
		path:  path,
		pid:   os.Getpid(),
		alive: processAlive,
	}
}

// Create writes the PID file. A file left behind by a dead process is
// replaced; a file owned by a live process makes Create fail with
// ErrRunning.
func (p *PIDFile) Create() error {
	running, existingPID, err := p.CheckRunning()
	if err != nil {
		return err
	}
	if running && existingPID != p.pid {
		return fmt.Errorf("%w with PID %d", ErrRunning, existingPID)
	}
	if existingPID != 0 {
		if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale PID file: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	f, err := os.OpenFile(p.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%d\n", p.pid); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

// Remove deletes the PID file if it still belongs to this process
func (p *PIDFile) Remove() error {
	existingPID, err := p.GetPID()
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return os.Remove(p.path)
	}
	if existingPID != p.pid {
		return fmt.Errorf("PID file contains different PID (%d vs %d), not removing", existingPID, p.pid)
	}
	return os.Remove(p.path)
}

// GetPID returns the PID stored in the file
func (p *PIDFile) GetPID() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}
	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID in file: %q", pidStr)
	}
	return pid, nil
}

// Path returns the path to the PID file
func (p *PIDFile) Path() string {
	return p.path
}

// CheckRunning reports whether the process named in the file is alive.
// An unreadable file counts as stale.
func (p *PIDFile) CheckRunning() (bool, int, error) {
	existingPID, err := p.GetPID()
	if os.IsNotExist(err) {
		return false, 0, nil
	}
	if err != nil {
		return false, -1, nil
	}
	return p.alive(existingPID), existingPID, nil
}

// Signal sends sig to the process named in the file
func Signal(path string, sig unix.Signal) error {
	pid, err := New(path).GetPID()
	if err != nil {
		return fmt.Errorf("failed to read PID file: %w", err)
	}
	if err := unix.Kill(pid, sig); err != nil {
		return fmt.Errorf("failed to signal PID %d: %w", pid, err)
	}
	return nil
}

// processAlive probes pid with signal 0; EPERM still means the process exists
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
