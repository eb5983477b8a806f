package resumer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/memory-service/internal/cache"
	"github.com/yungbote/memory-service/internal/fault"
	"github.com/yungbote/memory-service/internal/pkg/env"
	"github.com/yungbote/memory-service/internal/pkg/logger"
)

const (
	recordKeyPrefix = "resume:record:"
	streamKeyPrefix = "resume:stream:"

	// replayBlock is how long one ReadStream call waits for fresh tokens
	// before the loop re-checks cancellation and record state.
	replayBlock = 2 * time.Second
)

// record is the cached control block of one in-flight generation. The
// advertised address pins replay and cancel to the producing node.
type record struct {
	AdvertisedHost  string `json:"advertisedHost"`
	AdvertisedPort  int    `json:"advertisedPort"`
	Completed       bool   `json:"completed"`
	CompletedOffset int64  `json:"completedOffset"`
	CancelRequested bool   `json:"cancelRequested"`
}

// Token is one replayed chunk. Offset is the byte-cumulative position
// after this chunk, which the client acknowledges and resubmits on
// reconnect.
type Token struct {
	Text   string
	Offset int64
}

// Engine makes streamed generations resumable across disconnects and
// cancellable from any replica. All state lives in the cache with a TTL;
// when the cache is disabled every stream op degrades to a sentinel and
// recording becomes a no-op.
type Engine struct {
	cache cache.Cache
	log   *logger.Logger
	host  string
	port  int
	ttl   time.Duration
}

func NewEngine(ca cache.Cache, logg *logger.Logger) *Engine {
	return &Engine{
		cache: ca,
		log:   logg.With("service", "ResumeEngine"),
		host:  env.Get("ADVERTISED_HOST", "localhost", logg),
		port:  env.GetAsInt("ADVERTISED_PORT", 8080, logg),
		ttl:   env.GetAsDuration("RESUME_TTL", 10*time.Minute, logg),
	}
}

func (e *Engine) Enabled() bool { return e.cache.Enabled() }

func recordKey(conversationID uuid.UUID) string { return recordKeyPrefix + conversationID.String() }
func streamKey(conversationID uuid.UUID) string { return streamKeyPrefix + conversationID.String() }

func (e *Engine) readRecord(ctx context.Context, conversationID uuid.UUID) (*record, bool, error) {
	raw, ok, err := e.cache.GetRecord(ctx, recordKey(conversationID))
	if err != nil || !ok {
		return nil, false, err
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fault.Internal("malformed resume record", err)
	}
	return &rec, true, nil
}

func (e *Engine) writeRecord(ctx context.Context, conversationID uuid.UUID, rec *record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fault.Internal("marshal resume record", err)
	}
	return e.cache.SetRecord(ctx, recordKey(conversationID), raw, e.ttl)
}

// ensureLocal applies the redirect gate: replay and cancel run only on the
// node that recorded the generation, everyone else gets a REDIRECT fault
// carrying the owner's address.
func (e *Engine) ensureLocal(rec *record) error {
	if rec.AdvertisedHost != e.host || rec.AdvertisedPort != e.port {
		return fault.Redirect(rec.AdvertisedHost, rec.AdvertisedPort)
	}
	return nil
}

// Check filters the given conversations down to those with an in-flight
// generation, so clients can discover reconnectable streams.
func (e *Engine) Check(ctx context.Context, conversationIDs []uuid.UUID) ([]uuid.UUID, error) {
	if !e.Enabled() {
		return nil, nil
	}
	var out []uuid.UUID
	for _, id := range conversationIDs {
		rec, ok, err := e.readRecord(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok && !rec.Completed {
			out = append(out, id)
		}
	}
	return out, nil
}

// HasResponseInProgress is the single-id variant of Check, used by callers
// waiting for a cancellation to settle.
func (e *Engine) HasResponseInProgress(ctx context.Context, conversationID uuid.UUID) (bool, error) {
	if !e.Enabled() {
		return false, nil
	}
	rec, ok, err := e.readRecord(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return ok && !rec.Completed, nil
}

// RequestCancel signals the producing node to stop. Idempotent: repeat
// requests and requests after completion are no-ops.
func (e *Engine) RequestCancel(ctx context.Context, conversationID uuid.UUID) error {
	if !e.Enabled() {
		return fault.New(fault.KindUnavailable, "resumable responses are disabled")
	}
	rec, ok, err := e.readRecord(ctx, conversationID)
	if err != nil {
		return err
	}
	if !ok || rec.Completed {
		return nil
	}
	if err := e.ensureLocal(rec); err != nil {
		return err
	}
	if !rec.CancelRequested {
		rec.CancelRequested = true
		if err := e.writeRecord(ctx, conversationID, rec); err != nil {
			return err
		}
	}
	return e.cache.PublishCancel(ctx, conversationID.String())
}
