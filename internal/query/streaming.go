package query

import (
	"context"

	"github.com/datagen24/dshield-mcp-sub002/internal/models"
	"github.com/datagen24/dshield-mcp-sub002/internal/rpcerr"
)

// Chunk is one bounded-size batch of a streaming operation, with its own
// resumable cursor.
type Chunk struct {
	Events []models.Event
	Cursor string
}

// StreamResult is the tool-level streaming contract of spec.md §4.9:
// "stream(query, chunk_size, max_chunks, cursor?) -> (chunks[], final_cursor?, summary)".
type StreamResult struct {
	Chunks      []Chunk
	FinalCursor string
	Summary     StreamSummary
}

type StreamSummary struct {
	TotalEvents int `json:"total_events"`
	ChunkCount  int `json:"chunk_count"`
	Truncated   bool `json:"truncated"`
}

// Stream fetches up to maxChunks pages of chunkSize events each, starting
// from cursor, preserving the invariant that concatenating every chunk of
// every resumed call yields each event exactly once in
// (@timestamp desc, _id desc) order -- guaranteed here because each chunk's
// cursor is exactly the search_after tail of its own last document, so a
// resumed call picks up immediately after the prior call's final document.
func (e *Engine) Stream(ctx context.Context, req Request, chunkSize, maxChunks int) (*StreamResult, *rpcerr.Error) {
	if chunkSize <= 0 {
		chunkSize = 500
	}
	if maxChunks <= 0 {
		maxChunks = 100
	}

	result := &StreamResult{}
	cursor := req.Cursor

	for i := 0; i < maxChunks; i++ {
		pageReq := req
		pageReq.PageSize = chunkSize
		pageReq.Cursor = cursor
		pageReq.Offset = 0

		page, rerr := e.Search(ctx, pageReq)
		if rerr != nil {
			return nil, rerr
		}
		if len(page.Events) == 0 {
			break
		}

		result.Chunks = append(result.Chunks, Chunk{Events: page.Events, Cursor: page.NextCursor})
		result.Summary.TotalEvents += len(page.Events)
		cursor = page.NextCursor

		reduced := false
		for _, opt := range page.Metrics.OptimizationsApplied {
			if opt == "page_reduction" {
				reduced = true
			}
		}
		if len(page.Events) < chunkSize && !reduced {
			// short page that Search did not shrink itself: the result set is
			// exhausted, no further chunks to fetch
			break
		}
		if i == maxChunks-1 {
			result.Summary.Truncated = true
			result.FinalCursor = cursor
		}
	}

	result.Summary.ChunkCount = len(result.Chunks)
	return result, nil
}
