package app

import (
	"context"
	"fmt"
	"os"

	"github.com/yungbote/memory-service/internal/access"
	"github.com/yungbote/memory-service/internal/attachments"
	"github.com/yungbote/memory-service/internal/blob"
	"github.com/yungbote/memory-service/internal/cache"
	"github.com/yungbote/memory-service/internal/conversation"
	"github.com/yungbote/memory-service/internal/crypt"
	"github.com/yungbote/memory-service/internal/embed"
	"github.com/yungbote/memory-service/internal/pkg/logger"
	"github.com/yungbote/memory-service/internal/resumer"
	"github.com/yungbote/memory-service/internal/search"
	"github.com/yungbote/memory-service/internal/sharing"
	"github.com/yungbote/memory-service/internal/store"
	"github.com/yungbote/memory-service/internal/store/mongo"
	"github.com/yungbote/memory-service/internal/store/postgres"
	"github.com/yungbote/memory-service/internal/tasks"
	"github.com/yungbote/memory-service/internal/vector"
)

// App owns every adapter and engine, wired from the environment. The
// transport layer is expected to construct one App, authenticate its
// traffic into Principals, and call the engines.
type App struct {
	Log *logger.Logger
	Cfg Config

	Store    store.Store
	Cache    cache.Cache
	Vector   vector.Index
	Embedder embed.Embedder
	Crypt    *crypt.Service
	Blobs    blob.Store

	Access        *access.Checker
	Conversations *conversation.Engine
	Sharing       *sharing.Engine
	Attachments   *attachments.Engine
	Search        *search.Engine
	Resumer       *resumer.Engine
	Tasks         *tasks.Processor

	cancel context.CancelFunc
}

func New(ctx context.Context) (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	cfg := LoadConfig(log)

	st, pg, err := newStore(ctx, cfg, log)
	if err != nil {
		log.Sync()
		return nil, err
	}

	ca, err := cache.New(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init cache: %w", err)
	}

	idx, err := newVector(ctx, cfg, log, pg)
	if err != nil {
		log.Sync()
		return nil, err
	}

	embedder, err := embed.New(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init embedder: %w", err)
	}
	// A dimension mismatch poisons the index silently; refuse to start.
	if idx.Enabled() && embedder.Enabled() && idx.Dimension() != embedder.Dimension() {
		log.Sync()
		return nil, fmt.Errorf("vector index dimension %d does not match embedder dimension %d", idx.Dimension(), embedder.Dimension())
	}

	cr, err := crypt.New(ctx, log, st)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init encryption: %w", err)
	}

	blobs, err := blob.New(ctx, log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init blob store: %w", err)
	}

	checker := access.New(st, log)
	conversations := conversation.NewEngine(st, checker, ca, idx, embedder, cr, log)
	sharingEngine := sharing.NewEngine(st, checker, log)
	attachmentEngine := attachments.NewEngine(st, blobs, cr.Attachment, checker, log)
	searchEngine := search.NewEngine(st, checker, idx, embedder, cr, log)

	resumeCache := ca
	if !cfg.ResumerEnabled {
		resumeCache = cache.NewNoop()
	}
	resume := resumer.NewEngine(resumeCache, log)

	processor := tasks.NewProcessor(st, log)
	tasks.RegisterCoreHandlers(processor, st, idx, conversations, blobs, log)

	return &App{
		Log:           log,
		Cfg:           cfg,
		Store:         st,
		Cache:         ca,
		Vector:        idx,
		Embedder:      embedder,
		Crypt:         cr,
		Blobs:         blobs,
		Access:        checker,
		Conversations: conversations,
		Sharing:       sharingEngine,
		Attachments:   attachmentEngine,
		Search:        searchEngine,
		Resumer:       resume,
		Tasks:         processor,
	}, nil
}

func newStore(ctx context.Context, cfg Config, log *logger.Logger) (store.Store, *postgres.Store, error) {
	switch cfg.DatastoreBackend {
	case "postgres":
		pg, err := postgres.New(log)
		if err != nil {
			return nil, nil, fmt.Errorf("init postgres: %w", err)
		}
		if err := pg.AutoMigrate(); err != nil {
			return nil, nil, fmt.Errorf("postgres automigrate: %w", err)
		}
		return pg, pg, nil
	case "mongo":
		mg, err := mongo.New(ctx, log)
		if err != nil {
			return nil, nil, fmt.Errorf("init mongo: %w", err)
		}
		return mg, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown datastore backend %q", cfg.DatastoreBackend)
	}
}

func newVector(ctx context.Context, cfg Config, log *logger.Logger, pg *postgres.Store) (vector.Index, error) {
	if cfg.VectorBackend == "pgvector" && pg == nil {
		return nil, fmt.Errorf("the pgvector backend requires the postgres datastore")
	}
	idx, err := vector.New(ctx, log, pg)
	if err != nil {
		return nil, fmt.Errorf("init vector index: %w", err)
	}
	return idx, nil
}

// Start launches the background task processor.
func (a *App) Start() {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if a.Cfg.TasksEnabled {
		a.Tasks.Start(ctx)
	}
}

func (a *App) Close(ctx context.Context) {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.Store != nil {
		if err := a.Store.Close(ctx); err != nil {
			a.Log.Warn("datastore close failed", "error", err)
		}
	}
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			a.Log.Warn("cache close failed", "error", err)
		}
	}
	if a.Blobs != nil {
		if err := a.Blobs.Close(); err != nil {
			a.Log.Warn("blob store close failed", "error", err)
		}
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
