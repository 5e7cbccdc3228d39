package executor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// ErrNoFreePort means every port in the configured search range is taken.
var ErrNoFreePort = errors.New("no free port in search range")

// FindPort probes ports [base, base+rng) on localhost and returns the first
// one that accepts a listener. The listener is closed again immediately, so
// the port is only probably free; the server still owns binding it.
func FindPort(base, rng int) (int, error) {
	for port := base; port < base+rng; port++ {
		l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			continue
		}
		l.Close()
		return port, nil
	}
	return 0, fmt.Errorf("%w: [%d, %d)", ErrNoFreePort, base, base+rng)
}

// Sampler step reporting on the server's stdout: a tqdm bar ("40%|####")
// or a bare step ratio ("8/20 [00:02<00:03...").
var (
	stepPercentPattern = regexp.MustCompile(`(\d{1,3})%\|`)
	stepRatioPattern   = regexp.MustCompile(`(\d+)/(\d+) \[`)
)

// ParseStepProgress extracts a sampling-progress percentage from one line of
// server output. Reports false for lines that carry no step information.
func ParseStepProgress(line string) (float64, bool) {
	if m := stepPercentPattern.FindStringSubmatch(line); m != nil {
		p, err := strconv.ParseFloat(m[1], 64)
		if err == nil && p <= 100 {
			return p, true
		}
	}
	if m := stepRatioPattern.FindStringSubmatch(line); m != nil {
		num, err1 := strconv.ParseFloat(m[1], 64)
		den, err2 := strconv.ParseFloat(m[2], 64)
		if err1 == nil && err2 == nil && den > 0 && num <= den {
			return num / den * 100, true
		}
	}
	return 0, false
}

// ServerProcess is one spawned inference-server process. Stop must be called
// on every exit path once Start has succeeded.
type ServerProcess struct {
	Port int

	cmd    *exec.Cmd
	logger *slog.Logger
	done   chan struct{}
	waited error

	mu       sync.Mutex
	progress float64
}

// pythonCommand picks the interpreter: configured one first, then the
// install's bundled copy, then whatever PATH offers.
func pythonCommand(cfg *Config) string {
	if cfg.PythonExecutable != "" {
		return cfg.PythonExecutable
	}

	bundled := filepath.Join(cfg.InstallPath, "..", "python_embeded", "python")
	if runtime.GOOS == "windows" {
		bundled += ".exe"
	}
	if p, err := exec.LookPath(bundled); err == nil {
		return p
	}
	if p, err := exec.LookPath("python3"); err == nil {
		return p
	}
	return "python"
}

// StartServer launches the inference server on the given port. Its stdout
// and stderr are streamed to the logger at debug level. The returned process
// is running but not necessarily ready; readiness is the client's job.
func StartServer(cfg *Config, port int, logger *slog.Logger) (*ServerProcess, error) {
	args := []string{
		filepath.Join(cfg.InstallPath, "main.py"),
		"--port", strconv.Itoa(port),
		"--disable-auto-launch",
	}
	if cfg.OutputDirectory != "" {
		args = append(args, "--output-directory", cfg.OutputDirectory)
	}
	args = append(args, cfg.ExtraArgs...)

	cmd := exec.Command(pythonCommand(cfg), args...)
	cmd.Dir = cfg.InstallPath

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("start server: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("start server: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start server: %w", err)
	}

	p := &ServerProcess{
		Port:   port,
		cmd:    cmd,
		logger: logger,
		done:   make(chan struct{}),
	}
	go p.stream("stdout", stdout)
	go p.stream("stderr", stderr)
	go func() {
		p.waited = cmd.Wait()
		close(p.done)
	}()

	logger.Info("inference server started", "pid", cmd.Process.Pid, "port", port)
	return p, nil
}

func (p *ServerProcess) stream(name string, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if pct, ok := ParseStepProgress(line); ok {
			p.mu.Lock()
			p.progress = pct
			p.mu.Unlock()
		}
		p.logger.Debug("server output", "stream", name, "line", line)
	}
}

// Progress returns the last sampling percentage seen on the server's output.
func (p *ServerProcess) Progress() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progress
}

// ResetProgress clears the step counter, called before each queued prompt so
// a previous item's final 100% is not read as the next item's progress.
func (p *ServerProcess) ResetProgress() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress = 0
}

// Exited reports whether the process has terminated on its own.
func (p *ServerProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Stop tears the process down: a polite termination signal first, then a
// hard kill once the grace period runs out. Safe to call after the process
// has already exited.
func (p *ServerProcess) Stop(grace time.Duration) {
	select {
	case <-p.done:
		return
	default:
	}

	if runtime.GOOS == "windows" {
		p.cmd.Process.Kill()
	} else {
		p.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-p.done:
		p.logger.Info("inference server stopped", "pid", p.cmd.Process.Pid)
		return
	case <-time.After(grace):
	}

	p.logger.Warn("inference server did not stop in time, killing",
		"pid", p.cmd.Process.Pid, "grace", grace)
	p.cmd.Process.Kill()
	<-p.done
}
