package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"threadline/pkg/domain"
	"threadline/pkg/storage"
	"threadline/pkg/store"
)

const (
	defaultSignedURLTTL   = 15 * time.Minute
	defaultMaxUploadBytes = 25 << 20
	defaultMaxAttachments = 10
	stagingConcurrency    = 4
	maxParticipants       = 256
	maxTitleLength        = 255
)

// Enricher hydrates attached-content references for a caller.
type Enricher interface {
	Hydrate(ctx context.Context, token string, refs []string) ([]domain.ContentItem, error)
}

// Config holds runtime configuration for the messaging core.
type Config struct {
	DatabaseURL    string
	Store          store.Store
	Objects        storage.ObjectStore
	Purger         Purger
	Enricher       Enricher
	SignedURLTTL   time.Duration
	MaxUploadBytes int64
	MaxAttachments int
}

// App is the messaging core: it validates requests, stages attachment bytes
// and drives the store's transactional steps.
type App struct {
	store          store.Store
	objects        storage.ObjectStore
	purger         Purger
	enricher       Enricher
	signedURLTTL   time.Duration
	maxUploadBytes int64
	maxAttachments int
}

// New constructs the application. Without a Purger, objects are deleted inline.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	if cfg.Objects == nil {
		return nil, errors.New("object store required")
	}
	purger := cfg.Purger
	if purger == nil {
		purger = NewInlinePurger(cfg.Objects)
	}
	ttl := cfg.SignedURLTTL
	if ttl <= 0 {
		ttl = defaultSignedURLTTL
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}
	maxAttachments := cfg.MaxAttachments
	if maxAttachments <= 0 {
		maxAttachments = defaultMaxAttachments
	}
	return &App{
		store:          dataStore,
		objects:        cfg.Objects,
		purger:         purger,
		enricher:       cfg.Enricher,
		signedURLTTL:   ttl,
		maxUploadBytes: maxUpload,
		maxAttachments: maxAttachments,
	}, nil
}

// MaxUploadBytes is the per-file size limit.
func (a *App) MaxUploadBytes() int64 {
	return a.maxUploadBytes
}

// MaxAttachments is the per-message file count limit.
func (a *App) MaxAttachments() int {
	return a.maxAttachments
}
