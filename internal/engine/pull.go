package engine

import (
	"context"
)

// pullPhase fetches remote changes page by page, applying each page before
// durably advancing the pull cursor to that page's server timestamp. A
// failure applying page N leaves the cursor at page N-1, so nothing is ever
// skipped on the next cycle. An empty page with has_more still continues;
// MaxPullPages bounds the cycle regardless.
func (e *Engine) pullPhase(ctx context.Context) error {
	cursor, haveCursor, err := e.queue.Cursor(ctx)
	if err != nil {
		return err
	}

	since := &cursor
	if !haveCursor {
		since = nil
	}

	offset := 0
	for page := 0; page < e.cfg.MaxPullPages; page++ {
		resp, err := e.transport.Pull(ctx, since, e.cfg.PullPageSize, offset)
		if err != nil {
			return err
		}

		if err := e.applyPage(ctx, resp.Changes); err != nil {
			return err
		}
		if err := e.queue.SetCursor(ctx, resp.ServerTimestamp); err != nil {
			return err
		}

		offset += len(resp.Changes)
		if !resp.HasMore {
			break
		}
	}
	return nil
}
