package campaign

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// identityHash is a content hash of the sorted seed indicators and window
// bounds, per spec.md §3: "identified by a content hash of inputs + time
// window". Re-running the same analysis over the same inputs therefore
// yields the same campaign id, making DetectOngoing idempotent.
func identityHash(seeds []string, window Window) string {
	sorted := append([]string{}, seeds...)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(strings.Join(sorted, "\n")))
	h.Write([]byte("\n"))
	h.Write([]byte(window.Start.UTC().Format("2006-01-02T15:04:05.999999999Z")))
	h.Write([]byte("\n"))
	h.Write([]byte(window.End.UTC().Format("2006-01-02T15:04:05.999999999Z")))

	return hex.EncodeToString(h.Sum(nil))
}
