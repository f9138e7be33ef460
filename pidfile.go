package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/zcop/sharepoint2/internal/config"
)

const (
	pidFileName        = "serve.pid"
	pidFilePermissions = 0o644
	pidDirPermissions  = 0o700
)

// defaultPIDPath is where serve records its process ID.
func defaultPIDPath() string {
	dir := config.DefaultDataDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, pidFileName)
}

// writePIDFile writes the current process ID to path and holds an exclusive
// flock on it. The lock only guards against a second serve on this host.
// The returned cleanup removes the file and releases the lock.
func writePIDFile(path string) (cleanup func(), err error) {
	if path == "" {
		return nil, errors.New("PID file path is empty: cannot determine data directory")
	}

	if err := os.MkdirAll(filepath.Dir(path), pidDirPermissions); err != nil {
		return nil, fmt.Errorf("creating PID file directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, pidFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("opening PID file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		return nil, fmt.Errorf("another serve is already running (could not lock %s)", path)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()

		return nil, fmt.Errorf("truncating PID file: %w", err)
	}

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()

		return nil, fmt.Errorf("writing PID file: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()

		return nil, fmt.Errorf("syncing PID file: %w", err)
	}

	return func() {
		os.Remove(path)
		f.Close()
	}, nil
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID in %s", path)
	}

	return pid, nil
}

// sendSIGHUP asks the serve process recorded in pidPath to reload its
// config. A PID file left behind by a dead process is removed.
func sendSIGHUP(pidPath string) error {
	pid, err := readPIDFile(pidPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("no running serve found (no PID file at %s)", pidPath)
		}

		return err
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}

	if err := proc.Signal(syscall.Signal(0)); err != nil {
		os.Remove(pidPath)

		return fmt.Errorf("serve (PID %d) is not running (stale PID file removed)", pid)
	}

	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("sending SIGHUP to serve (PID %d): %w", pid, err)
	}

	return nil
}
