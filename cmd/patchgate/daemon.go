package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// daemonArgs rewrites the serve arguments for the detached child: the
// daemonize flag is dropped and the pidfile and logfile are passed
// explicitly so the child owns (and later removes) its pidfile.
func daemonArgs(args []string, pidFile, logFile string) []string {
	out := make([]string, 0, len(args)+4)
	for i := 0; i < len(args); i++ {
		name, _, hasValue := strings.Cut(args[i], "=")
		switch name {
		case "--daemonize":
		case "--pidfile", "--logfile":
			if !hasValue {
				i++
			}
		default:
			out = append(out, args[i])
		}
	}
	if pidFile != "" {
		out = append(out, "--pidfile", pidFile)
	}
	if logFile != "" {
		out = append(out, "--logfile", logFile)
	}
	return out
}

// daemonize starts a detached copy of the current command and returns its
// PID. The child's output goes to logFile, or nowhere when it is empty.
func daemonize(pidFile, logFile string) (int, error) {
	if err := checkPidFile(pidFile); err != nil {
		return 0, err
	}
	self, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("locate executable: %w", err)
	}
	// #nosec G204 re-executing ourselves
	child := exec.Command(self, daemonArgs(os.Args[1:], pidFile, logFile)...)
	detach(child)

	if logFile != "" {
		// #nosec G304 operator supplied path
		out, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, fmt.Errorf("open daemon log: %w", err)
		}
		defer func() { _ = out.Close() }()
		child.Stdout, child.Stderr = out, out
	}
	if err := child.Start(); err != nil {
		return 0, fmt.Errorf("start daemon: %w", err)
	}
	pid := child.Process.Pid
	if err := writePidFile(pidFile, pid); err != nil {
		return pid, err
	}
	return pid, child.Process.Release()
}

// readPidFile returns 0 when the file does not exist.
func readPidFile(path string) (int, error) {
	data, err := os.ReadFile(path) // #nosec G304 operator supplied path
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("pidfile %s: %w", path, err)
	}
	return pid, nil
}

// checkPidFile fails when path names another live process. Stale or
// unreadable files are overwritten later.
func checkPidFile(path string) error {
	if path == "" {
		return nil
	}
	pid, err := readPidFile(path)
	if err != nil || pid == 0 || pid == os.Getpid() {
		return nil
	}
	if processAlive(pid) {
		return fmt.Errorf("agent already running with PID %d (pidfile %s)", pid, path)
	}
	return nil
}

// writePidFile replaces path atomically. An empty path is a no-op.
func writePidFile(path string, pid int) error {
	if path == "" {
		return nil
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".pid-*")
	if err != nil {
		return fmt.Errorf("write pidfile: %w", err)
	}
	_, werr := tmp.WriteString(strconv.Itoa(pid) + "\n")
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write pidfile: %w", err)
	}
	// #nosec G302 pidfiles are world readable
	_ = os.Chmod(tmp.Name(), 0o644)
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write pidfile: %w", err)
	}
	return nil
}

// removePidFile deletes path only while it still holds our PID, so a
// restarted agent's file survives the old one shutting down.
func removePidFile(path string) error {
	if path == "" {
		return nil
	}
	pid, err := readPidFile(path)
	if err != nil || pid != os.Getpid() {
		return err
	}
	return os.Remove(path)
}
