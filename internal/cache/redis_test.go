package cache

// Integration tests against a live Redis. They run only when TEST_REDIS=1
// is set; the connection comes from REDIS_ADDR/REDIS_PASSWORD/REDIS_DB.

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestRedis(t *testing.T) Cache {
	t.Helper()
	if os.Getenv("TEST_REDIS") == "" {
		t.Skip("TEST_REDIS not set; skipping redis integration tests")
	}
	c, err := NewRedis(mustTestLogger(t))
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRedisRecordAndEpoch(t *testing.T) {
	ctx := context.Background()
	c := newTestRedis(t)
	key := "test:record:" + uuid.NewString()

	if err := c.SetRecord(ctx, key, []byte("v"), time.Minute); err != nil {
		t.Fatalf("SetRecord: %v", err)
	}
	raw, ok, err := c.GetRecord(ctx, key)
	if err != nil || !ok || string(raw) != "v" {
		t.Fatalf("GetRecord: %q ok=%v err=%v", raw, ok, err)
	}
	if err := c.DeleteRecord(ctx, key); err != nil {
		t.Fatalf("DeleteRecord: %v", err)
	}
	if _, ok, _ := c.GetRecord(ctx, key); ok {
		t.Fatal("record survived delete")
	}

	convID := uuid.New()
	if err := c.SetLatestEpoch(ctx, convID, "client", 3); err != nil {
		t.Fatalf("SetLatestEpoch: %v", err)
	}
	epoch, ok, err := c.GetLatestEpoch(ctx, convID, "client")
	if err != nil || !ok || epoch != 3 {
		t.Fatalf("GetLatestEpoch: %d ok=%v err=%v", epoch, ok, err)
	}
	if err := c.InvalidateLatestEpoch(ctx, convID, "client"); err != nil {
		t.Fatalf("InvalidateLatestEpoch: %v", err)
	}
}

func TestRedisStreamRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestRedis(t)
	key := "test:stream:" + uuid.NewString()
	t.Cleanup(func() { _ = c.DeleteStream(context.Background(), key) })

	for _, chunk := range []string{"a", "b"} {
		if err := c.AppendStream(ctx, key, []byte(chunk), false, time.Minute); err != nil {
			t.Fatalf("AppendStream: %v", err)
		}
	}
	if err := c.AppendStream(ctx, key, nil, true, time.Minute); err != nil {
		t.Fatalf("AppendStream done: %v", err)
	}

	entries, err := c.ReadStream(ctx, key, "0", 0)
	if err != nil {
		t.Fatalf("ReadStream: %v", err)
	}
	if len(entries) != 3 || string(entries[0].Data) != "a" || !entries[2].Done {
		t.Fatalf("stream read: %+v", entries)
	}

	rest, err := c.ReadStream(ctx, key, entries[0].ID, 0)
	if err != nil || len(rest) != 2 {
		t.Fatalf("resumed read: %d err=%v", len(rest), err)
	}
}

func TestRedisCancelPubSub(t *testing.T) {
	ctx := context.Background()
	c := newTestRedis(t)
	responseID := "test:" + uuid.NewString()

	ch, stop, err := c.SubscribeCancel(ctx, responseID)
	if err != nil {
		t.Fatalf("SubscribeCancel: %v", err)
	}
	defer stop()

	// Subscription setup races the publish on a real broker.
	time.Sleep(100 * time.Millisecond)
	if err := c.PublishCancel(ctx, responseID); err != nil {
		t.Fatalf("PublishCancel: %v", err)
	}

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel signal never arrived")
	}
}
