// Package setup builds the paper service collaborators from a loaded config.
package setup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"sciecho/internal/usertoken"
	"sciecho/pkg/ai"
	"sciecho/pkg/quota"
	"sciecho/pkg/storage"
	"sciecho/pkg/store"
	"sciecho/services/paper/internal/app"
	"sciecho/services/paper/internal/config"
)

// Stores are the opened persistence backends.
type Stores struct {
	Ledgers   store.LedgerStore
	Documents store.DocumentStore
	closers   []func() error
}

// Close releases every opened backend.
func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpenStores opens the document store and the ledger backend named by cfg.
func OpenStores(cfg config.FileConfig) (*Stores, error) {
	stores := &Stores{}
	switch cfg.StoreBackend {
	case config.StoreBackendMemory:
		mem := store.NewMemoryStore()
		stores.Ledgers, stores.Documents = mem, mem
		slog.Warn("using in-memory store, data is lost on restart")
	default:
		db, err := store.NewGormStore(cfg.DatabaseURL,
			store.WithAutoMigrate(cfg.MigrateOnStart()),
			store.WithSlowThreshold(config.MustDuration(cfg.DBSlowThreshold)),
		)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		stores.Ledgers, stores.Documents = db, db
		stores.closers = append(stores.closers, db.Close)
	}
	if cfg.LedgerBackend == config.LedgerBackendRedis {
		ledgers, err := store.NewRedisLedgerStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisLedgerPrefix)
		if err != nil {
			_ = stores.Close()
			return nil, fmt.Errorf("open redis ledger: %w", err)
		}
		stores.Ledgers = ledgers
		stores.closers = append(stores.closers, ledgers.Close)
	}
	return stores, nil
}

// NewTokenRevoker shares signed-out tokens through Redis when a Redis address
// is configured and keeps them in-process otherwise.
func NewTokenRevoker(cfg config.FileConfig) (store.TokenRevoker, func() error) {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return store.NewMemoryTokenRevoker(), func() error { return nil }
	}
	revoker := store.NewRedisTokenRevoker(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisRevokedPrefix)
	return revoker, revoker.Close
}

// NewEngine builds the text generator and paper engine.
func NewEngine(cfg config.EngineConfig) (*ai.PaperEngine, error) {
	generator, err := ai.NewGenerator(ai.GeneratorConfig{
		Provider: cfg.Provider,
		BaseURL:  cfg.BaseURL,
		APIKey:   cfg.APIKey,
		Model:    cfg.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("init generator: %w", err)
	}
	embedder, err := ai.NewEmbedder(ai.EmbedderConfig{
		Provider:   cfg.Embedding.Provider,
		BaseURL:    cfg.Embedding.BaseURL,
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("init embedder: %w", err)
	}
	return ai.NewPaperEngine(ai.EngineConfig{
		Generator:       generator,
		Embedder:        embedder,
		SummaryMaxChars: cfg.SummaryMaxChars,
		ChunkWords:      cfg.ChunkWords,
		TopChunks:       cfg.TopChunks,
	})
}

// NewObjectStore returns nil when no archive endpoint is configured.
func NewObjectStore(ctx context.Context, cfg config.MinioConfig) (storage.ObjectStore, error) {
	minioCfg := storage.MinioConfig{
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Bucket:    cfg.Bucket,
		UseSSL:    cfg.UseSSL,
	}
	if !minioCfg.Enabled() {
		return nil, nil
	}
	objects, err := storage.NewMinioStore(ctx, minioCfg)
	if err != nil {
		return nil, err
	}
	return objects, nil
}

// NewTokenVerifier returns nil when no JWKS URL is configured.
func NewTokenVerifier(ctx context.Context, cfg config.FileConfig) (*usertoken.Verifier, error) {
	if cfg.AuthJWKSURL == "" {
		return nil, nil
	}
	return usertoken.NewVerifier(ctx, usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     config.MustDuration(cfg.JWTLeeway),
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
}

// Limits resolves the configured daily limits over the defaults.
func Limits(cfg config.FileConfig) quota.Limits {
	limits := quota.DefaultLimits()
	if cfg.UploadLimit != nil {
		limits.Uploads = *cfg.UploadLimit
	}
	if cfg.QuestionLimit != nil {
		limits.Questions = *cfg.QuestionLimit
	}
	return limits
}

// NewApp assembles the orchestrator. objects may be nil.
func NewApp(cfg config.FileConfig, stores *Stores, engine app.Engine, objects storage.ObjectStore) (*app.App, error) {
	limits := Limits(cfg)
	return app.New(app.Config{
		Ledgers:           stores.Ledgers,
		Documents:         stores.Documents,
		Engine:            engine,
		Objects:           objects,
		Limits:            &limits,
		MaxUploadBytes:    cfg.MaxUploadBytes,
		MaxQuestionRunes:  cfg.MaxQuestionRunes,
		EngineTimeout:     config.MustDuration(cfg.Engine.Timeout),
		DownloadURLExpiry: config.MustDuration(cfg.DownloadURLExpiry),
	})
}
