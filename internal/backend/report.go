package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/datagen24/dshield-mcp-sub002/internal/circuit"
)

// ReportAdapter spawns the external typesetter subprocess to render a PDF
// report template. Every invocation gets an isolated working directory
// deleted on completion, a wall-clock timeout, and an output-size cap
// (spec.md §4.6).
type ReportAdapter struct {
	binary     string
	timeout    time.Duration
	maxOutputBytes int64
	workDir    string
	breaker    *circuit.Breaker
}

func NewReportAdapter(binary, workDir string, timeout time.Duration, maxOutputBytes int64) *ReportAdapter {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if maxOutputBytes <= 0 {
		maxOutputBytes = 50 * 1024 * 1024
	}
	return &ReportAdapter{
		binary:         binary,
		timeout:        timeout,
		maxOutputBytes: maxOutputBytes,
		workDir:        workDir,
		breaker:        circuit.NewBreaker("typesetter_binary", circuit.DefaultConfig()),
	}
}

func (a *ReportAdapter) Name() string { return "typesetter_binary" }

// BreakerStatus reports the circuit breaker's current state for the
// get_circuit_breaker_status tool (spec.md §6).
func (a *ReportAdapter) BreakerStatus() circuit.Status { return a.breaker.GetStatus() }

func (a *ReportAdapter) Health(ctx context.Context) Health {
	if _, err := exec.LookPath(a.binary); err != nil {
		return Health{OK: false, Detail: err.Error()}
	}
	info, err := os.Stat(a.workDir)
	if err != nil {
		return Health{OK: false, Detail: "output_dir_writable: " + err.Error()}
	}
	if !info.IsDir() {
		return Health{OK: false, Detail: "output_dir_writable: not a directory"}
	}
	probe := filepath.Join(a.workDir, ".health-write-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return Health{OK: false, Detail: "output_dir_writable: " + err.Error()}
	}
	_ = os.Remove(probe)
	return Health{OK: true}
}

// Render invokes the typesetter on template with data piped on stdin, inside
// a freshly created, isolated working directory removed on return.
func (a *ReportAdapter) Render(ctx context.Context, template string, data []byte) ([]byte, error) {
	var output []byte
	err := a.breaker.Execute(nil, func() error {
		out, renderErr := a.render(ctx, template, data)
		if renderErr != nil {
			return renderErr
		}
		output = out
		return nil
	})
	return output, err
}

func (a *ReportAdapter) render(ctx context.Context, template string, data []byte) ([]byte, error) {
	jobDir, err := os.MkdirTemp(a.workDir, "report-*")
	if err != nil {
		return nil, fmt.Errorf("creating isolated working directory: %w", err)
	}
	defer os.RemoveAll(jobDir)

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, a.binary, "--template", template)
	cmd.Dir = jobDir
	cmd.Stdin = bytes.NewReader(data)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	capped := &capLimitWriter{w: &stdout, limit: a.maxOutputBytes}
	cmd.Stdout = capped
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting typesetter: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		killProcessGroup(cmd)
		<-done
		return nil, fmt.Errorf("typesetter timed out after %s", a.timeout)
	case err := <-done:
		if capped.exceeded {
			killProcessGroup(cmd)
			return nil, fmt.Errorf("typesetter output exceeded %d bytes", a.maxOutputBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("typesetter failed: %w: %s", err, stderr.String())
		}
		return stdout.Bytes(), nil
	}
}

// killProcessGroup sends SIGKILL to the whole process group so a typesetter
// that forks helper processes cannot outlive its timeout.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Kill()
		return
	}
	_ = unix.Kill(-pgid, unix.SIGKILL)
}

// capLimitWriter stops accepting bytes once limit is reached, instead of
// allowing an unbounded subprocess to exhaust memory.
type capLimitWriter struct {
	w        io.Writer
	limit    int64
	written  int64
	exceeded bool
}

func (c *capLimitWriter) Write(p []byte) (int, error) {
	if c.exceeded {
		return len(p), nil
	}
	if c.written+int64(len(p)) > c.limit {
		c.exceeded = true
		return len(p), nil
	}
	n, err := c.w.Write(p)
	c.written += int64(n)
	return n, err
}
