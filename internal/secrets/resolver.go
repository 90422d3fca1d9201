// Package secrets implements the Secrets Resolver (spec.md §4.2): replacing
// vault:// references in a configuration tree with plaintext fetched from an
// external vault CLI, cached for the process lifetime and never written to
// disk.
//
// The vault CLI invocation is wrapped in its own circuit.Breaker (backend
// name "vault_cli") following the teacher's internal/ai/circuit/breaker.go
// pattern, so a hanging or misbehaving vault binary cannot block startup or
// later re-resolution indefinitely.
package secrets

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/datagen24/dshield-mcp-sub002/internal/circuit"
)

const vaultPrefix = "vault://"

// Resolver resolves vault:// references against an external CLI and caches
// results for the process lifetime.
type Resolver struct {
	vaultBin string
	timeout  time.Duration
	breaker  *circuit.Breaker
	log      zerolog.Logger

	mu    sync.RWMutex
	cache map[string]string
}

type Option func(*Resolver)

func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

func WithLogger(log zerolog.Logger) Option {
	return func(r *Resolver) { r.log = log }
}

// NewResolver builds a Resolver invoking vaultBin (e.g. "vault") as a
// subprocess for each unresolved reference.
func NewResolver(vaultBin string, opts ...Option) *Resolver {
	r := &Resolver{
		vaultBin: vaultBin,
		timeout:  5 * time.Second,
		breaker:  circuit.NewBreaker("vault_cli", circuit.DefaultConfig()),
		log:      zerolog.Nop(),
		cache:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IsReference reports whether value is a vault:// reference.
func IsReference(value string) bool {
	return strings.HasPrefix(value, vaultPrefix)
}

// Resolve fetches the plaintext for a single vault:// reference, using the
// in-memory cache when available, and returns an error when the reference
// cannot be resolved. Whether that failure is fatal is left to the caller:
// ResolveTree aborts on a required secret and keeps the original reference
// for an optional one.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	if !IsReference(ref) {
		return ref, nil
	}

	r.mu.RLock()
	if v, ok := r.cache[ref]; ok {
		r.mu.RUnlock()
		return v, nil
	}
	r.mu.RUnlock()

	path := strings.TrimPrefix(ref, vaultPrefix)

	var value string
	err := r.breaker.Execute(nil, func() error {
		v, execErr := r.exec(ctx, path)
		if execErr != nil {
			return execErr
		}
		value = v
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", ref, err)
	}

	r.mu.Lock()
	r.cache[ref] = value
	r.mu.Unlock()

	return value, nil
}

func (r *Resolver) exec(ctx context.Context, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.vaultBin, "read", "-field=value", path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		r.log.Error().Err(err).Str("path", path).Str("stderr", stderr.String()).Msg("vault CLI invocation failed")
		return "", fmt.Errorf("vault CLI: %w: %s", err, stderr.String())
	}
	return strings.TrimSpace(stdout.String()), nil
}

// ResolveTree walks a string-keyed configuration tree in place, replacing
// every vault:// leaf value. Leaves named in requiredPaths abort on failure;
// all others are treated as optional (left as the original reference, with a
// warning logged) per spec.md §4.2.
func (r *Resolver) ResolveTree(ctx context.Context, tree map[string]string, requiredPaths map[string]bool) error {
	for key, value := range tree {
		if !IsReference(value) {
			continue
		}
		resolved, err := r.Resolve(ctx, value)
		if err != nil {
			if requiredPaths[key] {
				return fmt.Errorf("required secret %q: %w", key, err)
			}
			r.log.Warn().Err(err).Str("key", key).Msg("optional secret unresolved, feature will report unhealthy")
			continue
		}
		tree[key] = resolved
	}
	return nil
}

// Snapshot returns a copy of the resolved-reference cache, for diagnostics.
// Plaintext values are never included.
func (r *Resolver) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]string, 0, len(r.cache))
	for ref := range r.cache {
		refs = append(refs, ref)
	}
	return refs
}
