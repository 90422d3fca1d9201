package backend

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func fakeTypesetter(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("subprocess-based test requires a POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "typeset")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake typesetter: %v", err)
	}
	return path
}

func TestReportAdapter_RenderReturnsStdout(t *testing.T) {
	bin := fakeTypesetter(t, "#!/bin/sh\necho -n 'rendered-bytes'\n")
	workDir := t.TempDir()
	a := NewReportAdapter(bin, workDir, 5*time.Second, 1024*1024)

	out, err := a.Render(context.Background(), "summary", []byte("{}"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != "rendered-bytes" {
		t.Errorf("expected rendered-bytes, got %q", out)
	}
}

func TestReportAdapter_TimeoutKillsProcess(t *testing.T) {
	bin := fakeTypesetter(t, "#!/bin/sh\nsleep 5\n")
	workDir := t.TempDir()
	a := NewReportAdapter(bin, workDir, 50*time.Millisecond, 1024*1024)

	_, err := a.Render(context.Background(), "summary", []byte("{}"))
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestReportAdapter_OutputSizeCapEnforced(t *testing.T) {
	bin := fakeTypesetter(t, "#!/bin/sh\nhead -c 2000 /dev/zero\n")
	workDir := t.TempDir()
	a := NewReportAdapter(bin, workDir, 5*time.Second, 100)

	_, err := a.Render(context.Background(), "summary", []byte("{}"))
	if err == nil {
		t.Fatal("expected output size cap error")
	}
}

func TestReportAdapter_HealthFailsWhenBinaryMissing(t *testing.T) {
	workDir := t.TempDir()
	a := NewReportAdapter("/no/such/typesetter-binary", workDir, time.Second, 1024)
	h := a.Health(context.Background())
	if h.OK {
		t.Error("expected health to fail when typesetter binary is not on PATH")
	}
}
