// Package launcher supervises the daemon process: it locates the right
// binary for the deployment, spawns it, captures the bootstrap credential
// from its startup output, and terminates it on shutdown.
package launcher

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/harvestnet/harvest-host/internal/config"
)

// ErrBootstrapFailed means the daemon never produced a usable credential
// before exiting or the startup timeout. Fatal to startup.
var ErrBootstrapFailed = errors.New("daemon bootstrap failed")

const (
	// DefaultStartupTimeout bounds the wait for the bootstrap credential.
	DefaultStartupTimeout = 30 * time.Second

	// terminateGrace is how long Terminate waits after the polite stop
	// before escalating to a forced kill.
	terminateGrace = 5 * time.Second

	daemonName = "harvestd"
)

// Credential is the certificate/key pair the daemon emits on startup.
// Immutable once captured; any number of reconnecting clients may read it.
type Credential struct {
	CertPath string
	KeyPath  string
}

// Handle wraps a spawned daemon process.
type Handle struct {
	cmd     *exec.Cmd
	pid     int
	done    chan struct{}
	waitErr error
}

// PID returns the daemon's process id.
func (h *Handle) PID() int { return h.pid }

// Done is closed when the process exits.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the process exit error, nil for a clean exit. Valid only after
// Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.waitErr
	default:
		return nil
	}
}

// Supervisor launches and terminates the daemon.
type Supervisor struct {
	cfg            *config.Config
	log            *logrus.Entry
	startupTimeout time.Duration
}

// NewSupervisor creates a process supervisor for the configured deployment.
func NewSupervisor(cfg *config.Config, logger *logrus.Logger) *Supervisor {
	if logger == nil {
		logger = logrus.New()
	}
	return &Supervisor{
		cfg:            cfg,
		log:            logger.WithField("component", "launcher"),
		startupTimeout: DefaultStartupTimeout,
	}
}

// LocateExecutable resolves the daemon command for the current deployment.
// Packaged builds ship a precompiled daemon at a fixed path next to the host
// executable; development builds run the interpreter against the source
// entry point under the daemon root.
func (s *Supervisor) LocateExecutable() (string, []string, error) {
	if s.cfg.Packaged {
		exe, err := os.Executable()
		if err != nil {
			return "", nil, fmt.Errorf("resolve host executable: %w", err)
		}
		name := daemonName
		if runtime.GOOS == "windows" {
			name += ".exe"
		}
		path := filepath.Join(filepath.Dir(exe), "daemon", name)
		if _, err := os.Stat(path); err != nil {
			return "", nil, fmt.Errorf("packaged daemon not found at %s: %w", path, err)
		}
		return path, nil, nil
	}

	root := s.cfg.DaemonRoot
	if root == "" {
		return "", nil, fmt.Errorf("development mode requires daemon_root in config")
	}
	entry := filepath.Join(root, daemonName, "main.py")
	if _, err := os.Stat(entry); err != nil {
		return "", nil, fmt.Errorf("daemon entry point not found at %s: %w", entry, err)
	}

	interp := s.cfg.Interpreter
	if interp == "" {
		if runtime.GOOS == "windows" {
			interp = "python"
		} else {
			interp = "python3"
		}
	}
	return interp, []string{entry}, nil
}

// Spawn starts the daemon and scans its startup output until the bootstrap
// credential appears. Fails with ErrBootstrapFailed if the process exits or
// the startup timeout elapses first.
func (s *Supervisor) Spawn(ctx context.Context) (*Handle, Credential, error) {
	path, args, err := s.LocateExecutable()
	if err != nil {
		return nil, Credential{}, err
	}
	return s.spawn(ctx, path, args)
}

func (s *Supervisor) spawn(ctx context.Context, path string, args []string) (*Handle, Credential, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, Credential{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, Credential{}, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, Credential{}, fmt.Errorf("start daemon: %w", err)
	}

	h := &Handle{cmd: cmd, pid: cmd.Process.Pid, done: make(chan struct{})}
	s.log.WithField("pid", h.pid).Info("daemon started")

	go s.drainStderr(stderr)
	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
	}()

	credCh := s.watchBootstrap(stdout)

	select {
	case cred := <-credCh:
		if err := s.writePIDFile(h.pid); err != nil {
			s.log.WithError(err).Warn("failed to write pid file")
		}
		s.log.WithFields(logrus.Fields{"cert": cred.CertPath, "key": cred.KeyPath}).Debug("bootstrap credential captured")
		return h, cred, nil

	case <-h.done:
		return nil, Credential{}, fmt.Errorf("daemon exited during startup (pid %d): %w", h.pid, ErrBootstrapFailed)

	case <-time.After(s.startupTimeout):
		_ = s.Terminate(h)
		return nil, Credential{}, fmt.Errorf("no credential within %v: %w", s.startupTimeout, ErrBootstrapFailed)

	case <-ctx.Done():
		_ = s.Terminate(h)
		return nil, Credential{}, ctx.Err()
	}
}

// watchBootstrap scans output line-by-line. Each line is opportunistically
// parsed as JSON; the first record with both cert and key paths wins. The
// reader is drained to EOF afterwards so the daemon never blocks on a full
// pipe.
func (s *Supervisor) watchBootstrap(r io.Reader) <-chan Credential {
	out := make(chan Credential, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		found := false
		for scanner.Scan() {
			line := scanner.Bytes()
			if !found {
				if cred, ok := parseBootstrapLine(line); ok {
					found = true
					out <- cred
					continue
				}
			}
			s.log.WithField("line", string(line)).Debug("daemon stdout")
		}
	}()
	return out
}

// parseBootstrapLine reports whether line is a bootstrap record carrying
// both certificate and key paths.
func parseBootstrapLine(line []byte) (Credential, bool) {
	var record struct {
		Cert string `json:"cert"`
		Key  string `json:"key"`
	}
	if err := json.Unmarshal(line, &record); err != nil {
		return Credential{}, false
	}
	if record.Cert == "" || record.Key == "" {
		return Credential{}, false
	}
	return Credential{CertPath: record.Cert, KeyPath: record.Key}, true
}

func (s *Supervisor) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.log.WithField("line", scanner.Text()).Debug("daemon stderr")
	}
}

// Terminate stops the daemon: polite stop first, forced kill after the grace
// period. Returns once the process has exited.
func (s *Supervisor) Terminate(h *Handle) error {
	if h == nil {
		return nil
	}
	defer os.Remove(pidFilePath())

	select {
	case <-h.done:
		s.log.WithField("pid", h.pid).WithError(h.Err()).Debug("daemon already exited")
		return nil
	default:
	}

	if err := stopProcess(h.pid); err != nil {
		s.log.WithError(err).WithField("pid", h.pid).Warn("polite stop failed")
	}

	select {
	case <-h.done:
		s.log.WithField("pid", h.pid).WithError(h.Err()).Info("daemon stopped")
		return nil
	case <-time.After(terminateGrace):
	}

	s.log.WithField("pid", h.pid).Warn("daemon unresponsive, forcing termination")
	if err := killProcessTree(h.pid); err != nil {
		return fmt.Errorf("force kill pid %d: %w", h.pid, err)
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(terminateGrace):
		return fmt.Errorf("pid %d still running after forced kill", h.pid)
	}
}

// IsRunning reports whether a previously launched daemon is still alive
// according to the PID file. Keeps two hosts from double-spawning one daemon.
func IsRunning() bool {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		os.Remove(pidFilePath())
		return false
	}
	if !isProcessAlive(pid) {
		os.Remove(pidFilePath())
		return false
	}
	return true
}

func (s *Supervisor) writePIDFile(pid int) error {
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(pid)), 0o644)
}

func pidFilePath() string {
	return filepath.Join(config.Dir(), daemonName+".pid")
}
