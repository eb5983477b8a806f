package resumer

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/memory-service/internal/cache"
	"github.com/yungbote/memory-service/internal/fault"
	"github.com/yungbote/memory-service/internal/pkg/logger"
)

func mustTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)
	return log
}

func newTestEngine(t *testing.T, ca cache.Cache, host string, port string) *Engine {
	t.Helper()
	t.Setenv("ADVERTISED_HOST", host)
	t.Setenv("ADVERTISED_PORT", port)
	t.Setenv("RESUME_TTL", "1m")
	return NewEngine(ca, mustTestLogger(t))
}

func collect(t *testing.T, e *Engine, convID uuid.UUID, fromOffset int64) []Token {
	t.Helper()
	var out []Token
	err := e.Replay(context.Background(), convID, fromOffset, func(tok Token) error {
		out = append(out, tok)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	return out
}

func TestRecordAndReplay(t *testing.T) {
	ctx := context.Background()
	ca := cache.NewMemory(mustTestLogger(t))
	e := newTestEngine(t, ca, "localhost", "8080")
	convID := uuid.New()

	rec, err := e.NewRecorder(ctx, convID)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	for i, token := range []string{"Hel", "lo ", "world"} {
		offset, err := rec.Record(ctx, token)
		if err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
		if offset != rec.Offset() {
			t.Fatalf("Record offset disagrees with Offset(): %d vs %d", offset, rec.Offset())
		}
	}
	if rec.Offset() != 11 {
		t.Fatalf("cumulative offset: want 11 got %d", rec.Offset())
	}
	if err := rec.Complete(ctx); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := rec.Complete(ctx); err != nil {
		t.Fatalf("repeat Complete: %v", err)
	}

	tokens := collect(t, e, convID, 0)
	if len(tokens) != 3 || tokens[0].Text != "Hel" || tokens[2].Text != "world" {
		t.Fatalf("full replay: got %+v", tokens)
	}
	if tokens[0].Offset != 3 || tokens[1].Offset != 6 || tokens[2].Offset != 11 {
		t.Fatalf("replay offsets: got %+v", tokens)
	}

	// A mid-token ack resumes inside the token.
	tokens = collect(t, e, convID, 4)
	if len(tokens) != 2 || tokens[0].Text != "o " || tokens[0].Offset != 6 {
		t.Fatalf("mid-token replay: got %+v", tokens)
	}

	// Acking everything replays nothing.
	if tokens := collect(t, e, convID, 11); len(tokens) != 0 {
		t.Fatalf("fully-acked replay: got %+v", tokens)
	}
}

func TestReplayMissingRecordYieldsNothing(t *testing.T) {
	ca := cache.NewMemory(mustTestLogger(t))
	e := newTestEngine(t, ca, "localhost", "8080")

	if tokens := collect(t, e, uuid.New(), 0); len(tokens) != 0 {
		t.Fatalf("missing record: got %+v", tokens)
	}
}

func TestCheckAndInProgress(t *testing.T) {
	ctx := context.Background()
	ca := cache.NewMemory(mustTestLogger(t))
	e := newTestEngine(t, ca, "localhost", "8080")
	inflight, finished, unknown := uuid.New(), uuid.New(), uuid.New()

	if _, err := e.NewRecorder(ctx, inflight); err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	done, err := e.NewRecorder(ctx, finished)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	if err := done.Complete(ctx); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	ids, err := e.Check(ctx, []uuid.UUID{inflight, finished, unknown})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(ids) != 1 || ids[0] != inflight {
		t.Fatalf("Check: got %v", ids)
	}

	busy, err := e.HasResponseInProgress(ctx, inflight)
	if err != nil || !busy {
		t.Fatalf("HasResponseInProgress(inflight): %v %v", busy, err)
	}
	busy, err = e.HasResponseInProgress(ctx, finished)
	if err != nil || busy {
		t.Fatalf("HasResponseInProgress(finished): %v %v", busy, err)
	}
}

func TestCancelFlow(t *testing.T) {
	ctx := context.Background()
	ca := cache.NewMemory(mustTestLogger(t))
	e := newTestEngine(t, ca, "localhost", "8080")
	convID := uuid.New()

	rec, err := e.NewRecorder(ctx, convID)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	if err := e.RequestCancel(ctx, convID); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	select {
	case <-rec.Cancelled():
	case <-time.After(time.Second):
		t.Fatal("producer never saw the cancel signal")
	}

	// Repeat requests are no-ops.
	if err := e.RequestCancel(ctx, convID); err != nil {
		t.Fatalf("repeat RequestCancel: %v", err)
	}

	if err := rec.Complete(ctx); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := e.RequestCancel(ctx, convID); err != nil {
		t.Fatalf("RequestCancel after completion: %v", err)
	}
	if err := e.RequestCancel(ctx, uuid.New()); err != nil {
		t.Fatalf("RequestCancel without record: %v", err)
	}
}

func TestReplayRedirectsToOwningNode(t *testing.T) {
	ctx := context.Background()
	ca := cache.NewMemory(mustTestLogger(t))

	owner := newTestEngine(t, ca, "node-a", "9001")
	convID := uuid.New()
	rec, err := owner.NewRecorder(ctx, convID)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	if _, err := rec.Record(ctx, "partial"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	other := newTestEngine(t, ca, "node-b", "9002")
	err = other.Replay(ctx, convID, 0, func(Token) error { return nil })
	fe, ok := fault.As(err)
	if !ok || fe.Kind != fault.KindRedirect {
		t.Fatalf("foreign replay: want REDIRECT got %v", err)
	}
	if fe.Host != "node-a" || fe.Port != 9001 {
		t.Fatalf("redirect target: got %s:%d", fe.Host, fe.Port)
	}

	if err := other.RequestCancel(ctx, convID); !fault.IsKind(err, fault.KindRedirect) {
		t.Fatalf("foreign cancel: want REDIRECT got %v", err)
	}
}

func TestDisabledEngine(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, cache.NewNoop(), "localhost", "8080")
	convID := uuid.New()

	if e.Enabled() {
		t.Fatal("engine over a disabled cache reports enabled")
	}

	rec, err := e.NewRecorder(ctx, convID)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	if offset, err := rec.Record(ctx, "token"); err != nil || offset != 0 {
		t.Fatalf("inert Record: offset=%d err=%v", offset, err)
	}
	if err := rec.Complete(ctx); err != nil {
		t.Fatalf("inert Complete: %v", err)
	}
	if rec.Cancelled() != nil {
		t.Fatal("inert recorder exposes a cancel channel")
	}

	err = e.Replay(ctx, convID, 0, func(Token) error { return nil })
	if !fault.IsKind(err, fault.KindUnavailable) {
		t.Fatalf("disabled Replay: want UNAVAILABLE got %v", err)
	}
	if err := e.RequestCancel(ctx, convID); !fault.IsKind(err, fault.KindUnavailable) {
		t.Fatalf("disabled RequestCancel: want UNAVAILABLE got %v", err)
	}
	ids, err := e.Check(ctx, []uuid.UUID{convID})
	if err != nil || ids != nil {
		t.Fatalf("disabled Check: got %v err=%v", ids, err)
	}
}
