package search

import (
	"context"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/memory-service/internal/access"
	"github.com/yungbote/memory-service/internal/crypt"
	types "github.com/yungbote/memory-service/internal/domain"
	"github.com/yungbote/memory-service/internal/embed"
	"github.com/yungbote/memory-service/internal/fault"
	"github.com/yungbote/memory-service/internal/pkg/env"
	"github.com/yungbote/memory-service/internal/pkg/logger"
	"github.com/yungbote/memory-service/internal/principal"
	"github.com/yungbote/memory-service/internal/store"
	"github.com/yungbote/memory-service/internal/vector"
)

// Type selects the retrieval strategy.
type Type string

const (
	TypeSemantic Type = "semantic"
	TypeFulltext Type = "fulltext"
	TypeAuto     Type = "auto"
)

// GroupBy controls result folding.
type GroupBy string

const (
	GroupByConversation GroupBy = "conversation"
	GroupByNone         GroupBy = "none"
)

const defaultLimit = 20

// Request is one search call. An empty query returns an empty result.
type Request struct {
	Query   string
	Type    Type
	GroupBy GroupBy
	Limit   int
}

// Hit is one scored entry. Source names the strategy that produced the
// score; semantic and lexical scores are not mutually comparable.
type Hit struct {
	Entry  *types.Entry
	Score  float64
	Source Type
}

// Engine runs semantic and lexical retrieval over the caller's accessible
// groups. The semantic side needs both a vector index and an embedder;
// lexical search is always available.
type Engine struct {
	store    store.Store
	access   *access.Checker
	index    vector.Index
	embedder embed.Embedder
	crypt    *crypt.Service
	log      *logger.Logger

	// scopeGroups bounds the explicit group list sent to an external
	// vector index; the colocated index scopes by membership join instead.
	scopeGroups int
}

func NewEngine(st store.Store, ac *access.Checker, idx vector.Index, em embed.Embedder, cr *crypt.Service, logg *logger.Logger) *Engine {
	return &Engine{
		store:       st,
		access:      ac,
		index:       idx,
		embedder:    em,
		crypt:       cr,
		log:         logg.With("service", "SearchEngine"),
		scopeGroups: env.GetAsInt("SEARCH_SCOPE_GROUPS", 200, logg),
	}
}

func (e *Engine) semanticAvailable() bool {
	return e.index.Enabled() && e.embedder.Enabled()
}

func (e *Engine) availableTypes() []string {
	out := []string{string(TypeFulltext)}
	if e.semanticAvailable() {
		out = append([]string{string(TypeSemantic)}, out...)
	}
	return out
}

// Search runs the request against everything the principal can read.
func (e *Engine) Search(ctx context.Context, p principal.Principal, req Request) ([]Hit, error) {
	if req.Type == "" {
		req.Type = TypeAuto
	}
	if req.GroupBy == "" {
		req.GroupBy = GroupByConversation
	}
	if req.Limit <= 0 {
		req.Limit = defaultLimit
	}
	switch req.Type {
	case TypeSemantic, TypeFulltext, TypeAuto:
	default:
		return nil, fault.Newf(fault.KindInvalidArgument, "unknown search type %q", req.Type)
	}
	if req.Type == TypeSemantic && !e.semanticAvailable() {
		return nil, fault.SearchTypeUnavailable(string(req.Type), e.availableTypes())
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, nil
	}

	scope, err := e.resolveScope(ctx, p)
	if err != nil {
		return nil, err
	}
	if scope == nil {
		return nil, nil
	}

	// Over-fetch when folding by conversation so the fold still fills
	// the page.
	fetch := req.Limit
	if req.GroupBy == GroupByConversation {
		fetch = req.Limit * 4
	}

	var semantic, fulltext []Hit
	runSemantic := req.Type != TypeFulltext && e.semanticAvailable()
	runFulltext := req.Type != TypeSemantic

	g, gctx := errgroup.WithContext(ctx)
	if runSemantic {
		g.Go(func() error {
			hits, err := e.searchSemantic(gctx, req.Query, fetch, *scope)
			if err != nil {
				return err
			}
			semantic = hits
			return nil
		})
	}
	if runFulltext {
		g.Go(func() error {
			hits, err := e.searchFulltext(gctx, req.Query, fetch, *scope)
			if err != nil {
				return err
			}
			fulltext = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	hits := mergeHits(semantic, fulltext)
	if req.GroupBy == GroupByConversation {
		hits = bestPerConversation(hits)
	}
	if len(hits) > req.Limit {
		hits = hits[:req.Limit]
	}
	for _, h := range hits {
		plain, dErr := e.crypt.DB.DecryptJSON(h.Entry.Content)
		if dErr != nil {
			return nil, dErr
		}
		h.Entry.Content = plain
	}
	return hits, nil
}

// resolveScope turns the principal into a vector/fulltext scope. A nil
// return means the caller can see nothing and the search is empty.
func (e *Engine) resolveScope(ctx context.Context, p principal.Principal) (*vector.Scope, error) {
	if e.index.Colocated() && p.Authenticated() {
		userID := p.User()
		return &vector.Scope{ByMembershipOf: &userID}, nil
	}
	groupIDs, err := e.access.AccessibleGroupIDs(ctx, p, e.scopeGroups, true)
	if err != nil {
		return nil, err
	}
	if len(groupIDs) == 0 {
		return nil, nil
	}
	return &vector.Scope{GroupIDs: groupIDs}, nil
}

func (e *Engine) searchSemantic(ctx context.Context, query string, topK int, scope vector.Scope) ([]Hit, error) {
	vecs, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fault.Newf(fault.KindInternal, "embedder returned %d vectors for the query", len(vecs))
	}
	matches, err := e.index.Query(ctx, vecs[0], topK, scope)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(matches))
	for _, m := range matches {
		entry, gErr := e.store.GetEntry(ctx, m.EntryID)
		if fault.IsKind(gErr, fault.KindNotFound) {
			// The index lags deletions; skip the stale point.
			continue
		}
		if gErr != nil {
			return nil, gErr
		}
		hits = append(hits, Hit{Entry: entry, Score: m.Score, Source: TypeSemantic})
	}
	return hits, nil
}

func (e *Engine) searchFulltext(ctx context.Context, query string, limit int, scope vector.Scope) ([]Hit, error) {
	results, err := e.store.SearchEntriesFullText(ctx, store.FullTextQuery{
		Query:          query,
		GroupIDs:       scope.GroupIDs,
		ByMembershipOf: scope.ByMembershipOf,
		Limit:          limit,
	})
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{Entry: r.Entry, Score: r.Rank, Source: TypeFulltext})
	}
	return hits, nil
}

// mergeHits unions both strategies, deduping by entry id. Semantic hits
// win ties because their scores carried the caller's intent through the
// embedding; lexical-only hits follow in rank order.
func mergeHits(semantic, fulltext []Hit) []Hit {
	seen := map[string]bool{}
	out := make([]Hit, 0, len(semantic)+len(fulltext))
	for _, h := range semantic {
		seen[h.Entry.ID.String()] = true
		out = append(out, h)
	}
	for _, h := range fulltext {
		if seen[h.Entry.ID.String()] {
			continue
		}
		out = append(out, h)
	}
	sortHits(out)
	return out
}

// bestPerConversation keeps the top hit of each branch.
func bestPerConversation(hits []Hit) []Hit {
	best := map[string]Hit{}
	for _, h := range hits {
		key := h.Entry.ConversationID.String()
		cur, ok := best[key]
		if !ok || hitLess(cur, h) {
			best[key] = h
		}
	}
	out := make([]Hit, 0, len(best))
	for _, h := range best {
		out = append(out, h)
	}
	sortHits(out)
	return out
}

func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool { return hitLess(hits[j], hits[i]) })
}

// hitLess orders a below b: score, then recency, then id.
func hitLess(a, b Hit) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	if !a.Entry.CreatedAt.Equal(b.Entry.CreatedAt) {
		return a.Entry.CreatedAt.Before(b.Entry.CreatedAt)
	}
	return a.Entry.ID.String() > b.Entry.ID.String()
}
