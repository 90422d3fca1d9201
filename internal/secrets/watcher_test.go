package secrets

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestFileWatcher_DetectsWriteAfterStart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("initial"), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	var buf zerologBuffer
	log := zerolog.New(&buf)

	fw, err := NewFileWatcher(log)
	if err != nil {
		t.Fatalf("NewFileWatcher: %v", err)
	}
	if err := fw.Watch(path); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	fw.Start()
	defer fw.Stop()

	if err := os.WriteFile(path, []byte("changed"), 0o600); err != nil {
		t.Fatalf("rewriting fixture: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if buf.String() != "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if buf.String() == "" {
		t.Fatal("expected a log line after the watched file changed")
	}
}

func TestFileWatcher_WatchRejectsMissingPath(t *testing.T) {
	fw, err := NewFileWatcher(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFileWatcher: %v", err)
	}
	if err := fw.Watch(filepath.Join(t.TempDir(), "does-not-exist")); err == nil {
		t.Fatal("expected an error watching a nonexistent path")
	}
}

// zerologBuffer is a minimal io.Writer capturing log output for assertions,
// avoiding a dependency on zerolog's test-specific writer.
type zerologBuffer struct {
	data []byte
}

func (b *zerologBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *zerologBuffer) String() string {
	return string(b.data)
}
