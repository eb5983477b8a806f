package resumer

import (
	"context"

	"github.com/google/uuid"
)

// Recorder is the producer-side handle for one generation. Record appends
// tokens and advances the byte-cumulative offset; Complete seals the
// stream. When recording is disabled the recorder is inert and every call
// succeeds without effect.
type Recorder struct {
	engine         *Engine
	conversationID uuid.UUID
	offset         int64
	enabled        bool
	completed      bool

	cancelCh   <-chan struct{}
	cancelStop func()
}

// NewRecorder registers this node as the generation's owner and starts
// listening for cross-node cancel signals.
func (e *Engine) NewRecorder(ctx context.Context, conversationID uuid.UUID) (*Recorder, error) {
	if !e.Enabled() {
		return &Recorder{engine: e, conversationID: conversationID}, nil
	}

	rec := &record{AdvertisedHost: e.host, AdvertisedPort: e.port}
	if err := e.writeRecord(ctx, conversationID, rec); err != nil {
		return nil, err
	}
	// A previous generation's tokens must not replay into this one.
	if err := e.cache.DeleteStream(ctx, streamKey(conversationID)); err != nil {
		return nil, err
	}

	ch, stop, err := e.cache.SubscribeCancel(ctx, conversationID.String())
	if err != nil {
		return nil, err
	}
	return &Recorder{
		engine:         e,
		conversationID: conversationID,
		enabled:        true,
		cancelCh:       ch,
		cancelStop:     stop,
	}, nil
}

// Cancelled yields when a cancel signal arrives. The producer is expected
// to stop generating and call Complete; cancellation is cooperative.
func (r *Recorder) Cancelled() <-chan struct{} {
	if !r.enabled {
		return nil
	}
	return r.cancelCh
}

// Record appends one token and returns the offset after it.
func (r *Recorder) Record(ctx context.Context, token string) (int64, error) {
	data := []byte(token)
	if !r.enabled || r.completed || len(data) == 0 {
		return r.offset, nil
	}
	if err := r.engine.cache.AppendStream(ctx, streamKey(r.conversationID), data, false, r.engine.ttl); err != nil {
		return r.offset, err
	}
	r.offset += int64(len(data))
	return r.offset, nil
}

// Offset is the byte-cumulative position after everything recorded so far.
func (r *Recorder) Offset() int64 { return r.offset }

// Complete seals the stream and marks the record finished. Idempotent;
// receipt of a cancel signal is handled by calling this.
func (r *Recorder) Complete(ctx context.Context) error {
	if !r.enabled || r.completed {
		return nil
	}
	r.completed = true
	if r.cancelStop != nil {
		r.cancelStop()
	}
	if err := r.engine.cache.AppendStream(ctx, streamKey(r.conversationID), nil, true, r.engine.ttl); err != nil {
		return err
	}
	return r.engine.writeRecord(ctx, r.conversationID, &record{
		AdvertisedHost:  r.engine.host,
		AdvertisedPort:  r.engine.port,
		Completed:       true,
		CompletedOffset: r.offset,
	})
}
