package resumer

import (
	"context"

	"github.com/google/uuid"

	"github.com/yungbote/memory-service/internal/fault"
)

// Replay streams tokens strictly after fromOffset to yield, following the
// generation live until it completes or is cancelled. A missing record
// (expired or never written) yields nothing and returns nil; a record
// owned by another node returns a REDIRECT fault. Returning an error from
// yield aborts the replay with that error.
func (e *Engine) Replay(ctx context.Context, conversationID uuid.UUID, fromOffset int64, yield func(Token) error) error {
	if !e.Enabled() {
		return fault.New(fault.KindUnavailable, "resumable responses are disabled")
	}
	rec, ok, err := e.readRecord(ctx, conversationID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := e.ensureLocal(rec); err != nil {
		return err
	}

	cancelCh, stop, err := e.cache.SubscribeCancel(ctx, conversationID.String())
	if err != nil {
		return err
	}
	defer stop()

	key := streamKey(conversationID)
	afterID := "0"
	var cumulative int64

	for {
		entries, err := e.cache.ReadStream(ctx, key, afterID, replayBlock)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			afterID = entry.ID
			if entry.Done {
				return nil
			}
			start := cumulative
			cumulative += int64(len(entry.Data))
			if cumulative <= fromOffset {
				continue
			}
			chunk := entry.Data
			if fromOffset > start {
				// Offsets are byte-cumulative, so a mid-token ack
				// resumes inside the token.
				chunk = chunk[fromOffset-start:]
			}
			if err := yield(Token{Text: string(chunk), Offset: cumulative}); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cancelCh:
			return nil
		default:
		}

		if len(entries) == 0 {
			// Blocked read timed out: the done marker may have expired
			// with the stream, so fall back to the record.
			rec, ok, err := e.readRecord(ctx, conversationID)
			if err != nil {
				return err
			}
			if !ok || (rec.Completed && cumulative >= rec.CompletedOffset) {
				return nil
			}
		}
	}
}
