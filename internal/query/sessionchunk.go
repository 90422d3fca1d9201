package query

import "github.com/datagen24/dshield-mcp-sub002/internal/models"

// sessionKey groups events by (source address, user name, session id), per
// spec.md §4.9's session-context chunking mode.
type sessionKey struct {
	SourceIP  string
	Username  string
	SessionID string
}

func keyFor(e models.Event) sessionKey {
	return sessionKey{SourceIP: e.SourceIP, Username: e.Username, SessionID: e.SessionID}
}

// SessionChunk is one session-aware chunk. BoundaryAnnotated is set when a
// single session exceeded chunk capacity and had to be split (spec.md
// §4.9: "annotated" chunk boundary).
type SessionChunk struct {
	Events            []models.Event
	BoundaryAnnotated bool
}

// ChunkBySession groups events into chunks no session is split across,
// unless a single session alone exceeds capacity, in which case it is split
// with BoundaryAnnotated set on the resulting pieces. Events must already be
// ordered (e.g. by timestamp) before calling this.
func ChunkBySession(events []models.Event, capacity int) []SessionChunk {
	if capacity <= 0 {
		capacity = 500
	}

	groups := make(map[sessionKey][]models.Event)
	order := []sessionKey{}
	for _, ev := range events {
		k := keyFor(ev)
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], ev)
	}

	var chunks []SessionChunk
	var current []models.Event

	flush := func() {
		if len(current) > 0 {
			chunks = append(chunks, SessionChunk{Events: current})
			current = nil
		}
	}

	for _, k := range order {
		sessionEvents := groups[k]

		if len(sessionEvents) > capacity {
			flush()
			for i := 0; i < len(sessionEvents); i += capacity {
				end := i + capacity
				if end > len(sessionEvents) {
					end = len(sessionEvents)
				}
				chunks = append(chunks, SessionChunk{Events: sessionEvents[i:end], BoundaryAnnotated: true})
			}
			continue
		}

		if len(current)+len(sessionEvents) > capacity {
			flush()
		}
		current = append(current, sessionEvents...)
	}
	flush()

	return chunks
}
