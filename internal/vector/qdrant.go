package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/memory-service/internal/fault"
	"github.com/yungbote/memory-service/internal/pkg/ctxutil"
	"github.com/yungbote/memory-service/internal/pkg/env"
	"github.com/yungbote/memory-service/internal/pkg/httpx"
	"github.com/yungbote/memory-service/internal/pkg/logger"
)

const (
	payloadGroupKey        = "group_id"
	payloadConversationKey = "conversation_id"
	payloadChannelKey      = "channel"
	maxErrorBodyBytes      = 1024
	qdrantMaxAttempts      = 3
)

// qdrantIndex talks to an external Qdrant collection over its HTTP API.
// Point ids are the entry ids, so re-indexing an entry overwrites its
// point in place.
type qdrantIndex struct {
	log        *logger.Logger
	baseURL    string
	collection string
	dim        int
	http       *http.Client
}

type qdrantEnvelope struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
}

type qdrantHit struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload map[string]any  `json:"payload"`
}

func NewQdrant(ctx context.Context, logg *logger.Logger) (Index, error) {
	rawURL := env.Get("QDRANT_URL", "http://localhost:6333", logg)
	collection := env.Get("QDRANT_COLLECTION", "memory_entries", logg)
	dim := env.GetAsInt("VECTOR_DIM", 1536, logg)
	if dim <= 0 {
		return nil, fmt.Errorf("VECTOR_DIM must be a positive integer")
	}

	x := &qdrantIndex{
		log:        logg.With("service", "QdrantIndex"),
		baseURL:    strings.TrimRight(rawURL, "/"),
		collection: collection,
		dim:        dim,
		http:       &http.Client{Timeout: 10 * time.Second},
	}
	if err := x.verifyReady(ctx); err != nil {
		return nil, err
	}
	x.log.Info("qdrant index ready", "url", x.baseURL, "collection", collection, "vector_dim", dim)
	return x, nil
}

func (x *qdrantIndex) Enabled() bool   { return true }
func (x *qdrantIndex) Colocated() bool { return false }
func (x *qdrantIndex) Dimension() int  { return x.dim }

// verifyReady ensures the collection exists with the configured dimension
// before the service accepts traffic. A mismatch here means every upsert
// would fail later, so startup aborts.
func (x *qdrantIndex) verifyReady(ctx context.Context) error {
	var result struct {
		Config struct {
			Params struct {
				Vectors struct {
					Size int `json:"size"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	}
	err := x.doJSON(ctx, http.MethodGet, x.collectionPath(""), nil, &result)
	if fault.IsKind(err, fault.KindNotFound) {
		create := map[string]any{
			"vectors": map[string]any{"size": x.dim, "distance": "Cosine"},
		}
		return x.doJSON(ctx, http.MethodPut, x.collectionPath(""), create, nil)
	}
	if err != nil {
		return err
	}
	size := result.Config.Params.Vectors.Size
	if size != 0 && size != x.dim {
		return fmt.Errorf("qdrant collection %q vector size mismatch: configured=%d actual=%d", x.collection, x.dim, size)
	}
	return nil
}

func (x *qdrantIndex) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	points := make([]map[string]any, 0, len(records))
	for _, r := range records {
		if r.EntryID == uuid.Nil {
			return fault.New(fault.KindInvalidArgument, "embedding record requires an entry id")
		}
		if len(r.Values) != x.dim {
			return fault.Newf(fault.KindInvalidArgument, "embedding dimension mismatch: expected=%d got=%d", x.dim, len(r.Values))
		}
		points = append(points, map[string]any{
			"id":     r.EntryID.String(),
			"vector": r.Values,
			"payload": map[string]any{
				payloadGroupKey:        r.ConversationGroupID.String(),
				payloadConversationKey: r.ConversationID.String(),
				payloadChannelKey:      r.Channel,
			},
		})
	}
	return x.doJSON(ctx, http.MethodPut, x.collectionPath("/points?wait=true"), map[string]any{"points": points}, nil)
}

func (x *qdrantIndex) Query(ctx context.Context, q []float32, topK int, scope Scope) ([]Match, error) {
	if len(q) != x.dim {
		return nil, fault.Newf(fault.KindInvalidArgument, "query vector dimension mismatch: expected=%d got=%d", x.dim, len(q))
	}
	if scope.ByMembershipOf != nil {
		return nil, fault.New(fault.KindInvalidArgument, "external index cannot scope by membership")
	}
	if len(scope.GroupIDs) == 0 {
		return []Match{}, nil
	}
	if topK <= 0 {
		topK = 10
	}

	groups := make([]string, 0, len(scope.GroupIDs))
	for _, g := range scope.GroupIDs {
		groups = append(groups, g.String())
	}
	req := map[string]any{
		"vector":       q,
		"limit":        topK,
		"with_payload": true,
		"with_vector":  false,
		"filter": map[string]any{
			"must": []any{
				map[string]any{
					"key":   payloadGroupKey,
					"match": map[string]any{"any": groups},
				},
			},
		},
	}
	var hits []qdrantHit
	if err := x.doJSON(ctx, http.MethodPost, x.collectionPath("/points/search"), req, &hits); err != nil {
		return nil, err
	}

	out := make([]Match, 0, len(hits))
	for _, h := range hits {
		m := Match{Score: h.Score}
		var idStr string
		if err := json.Unmarshal(h.ID, &idStr); err != nil {
			continue
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		m.EntryID = id
		if raw, ok := h.Payload[payloadConversationKey].(string); ok {
			if cid, err := uuid.Parse(raw); err == nil {
				m.ConversationID = cid
			}
		}
		if raw, ok := h.Payload[payloadGroupKey].(string); ok {
			if gid, err := uuid.Parse(raw); err == nil {
				m.ConversationGroupID = gid
			}
		}
		out = append(out, m)
	}
	return out, nil
}

func (x *qdrantIndex) DeleteByGroup(ctx context.Context, groupID uuid.UUID) error {
	if groupID == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "missing group id")
	}
	req := map[string]any{
		"filter": map[string]any{
			"must": []any{
				map[string]any{
					"key":   payloadGroupKey,
					"match": map[string]any{"value": groupID.String()},
				},
			},
		},
	}
	return x.doJSON(ctx, http.MethodPost, x.collectionPath("/points/delete?wait=true"), req, nil)
}

func (x *qdrantIndex) DeleteByEntryIDs(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	points := make([]string, 0, len(ids))
	for _, id := range ids {
		points = append(points, id.String())
	}
	return x.doJSON(ctx, http.MethodPost, x.collectionPath("/points/delete?wait=true"), map[string]any{"points": points}, nil)
}

func (x *qdrantIndex) collectionPath(suffix string) string {
	return "/collections/" + x.collection + suffix
}

func (x *qdrantIndex) doJSON(ctx context.Context, method, path string, in, out any) error {
	ctx = ctxutil.Default(ctx)
	var lastErr error
	for attempt := 0; attempt < qdrantMaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := httpx.JitterSleep(time.Duration(attempt) * 500 * time.Millisecond)
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(backoff):
			}
		}
		err := x.doJSONOnce(ctx, method, path, in, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryableFault(err) || ctx.Err() != nil {
			return err
		}
	}
	return lastErr
}

func (x *qdrantIndex) doJSONOnce(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			return fault.Internal("encode qdrant request", err)
		}
		body = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, x.baseURL+path, body)
	if err != nil {
		return fault.Internal("build qdrant request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := x.http.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 10*maxErrorBodyBytes))
	if readErr != nil {
		return fault.Wrap(fault.KindUnavailable, "read qdrant response", readErr)
	}
	if resp.StatusCode == http.StatusNotFound {
		return fault.Newf(fault.KindNotFound, "qdrant resource not found: %s", path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind := fault.KindInternal
		if httpx.IsRetryableHTTPStatus(resp.StatusCode) {
			kind = fault.KindUnavailable
		}
		return fault.Newf(kind, "qdrant http status=%d body=%q", resp.StatusCode, truncateBody(raw))
	}

	var envelope qdrantEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fault.Wrap(fault.KindInternal, "decode qdrant envelope", err)
	}
	if out == nil || len(envelope.Result) == 0 || string(envelope.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fault.Wrap(fault.KindInternal, "decode qdrant result", err)
	}
	return nil
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.KindUnavailable, "qdrant timeout", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fault.Wrap(fault.KindUnavailable, "qdrant unreachable", err)
	}
	return fault.Wrap(fault.KindUnavailable, "qdrant request failed", err)
}

func retryableFault(err error) bool {
	return fault.IsKind(err, fault.KindUnavailable)
}

func truncateBody(raw []byte) string {
	if len(raw) <= maxErrorBodyBytes {
		return string(raw)
	}
	return string(raw[:maxErrorBodyBytes]) + "..."
}
