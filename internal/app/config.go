package app

import (
	"strings"
	"time"

	"github.com/yungbote/memory-service/internal/pkg/env"
	"github.com/yungbote/memory-service/internal/pkg/logger"
)

// Config is the startup snapshot of the wiring-level knobs. Backend
// adapters read their own connection settings from the environment in
// their constructors; this struct only holds what the app itself needs
// to decide.
type Config struct {
	DatastoreBackend string
	CacheBackend     string
	VectorBackend    string
	EmbedProvider    string
	BlobBackend      string

	ResumerEnabled bool
	TasksEnabled   bool

	TombstoneRetention time.Duration
}

func LoadConfig(log *logger.Logger) Config {
	return Config{
		DatastoreBackend: strings.ToLower(env.Get("DATASTORE_BACKEND", "postgres", log)),
		CacheBackend:     strings.ToLower(env.Get("CACHE_BACKEND", "redis", log)),
		VectorBackend:    strings.ToLower(env.Get("VECTOR_BACKEND", "none", log)),
		EmbedProvider:    strings.ToLower(env.Get("EMBED_PROVIDER", "none", log)),
		BlobBackend:      strings.ToLower(env.Get("BLOB_BACKEND", "none", log)),

		ResumerEnabled: env.GetAsBool("RESUMER_ENABLED", true, log),
		TasksEnabled:   env.GetAsBool("TASKS_ENABLED", true, log),

		TombstoneRetention: env.GetAsDuration("ATTACHMENT_RETENTION", 24*time.Hour, log),
	}
}
