package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/OpenNSW/formflow/internal/cache"
	"github.com/OpenNSW/formflow/internal/form/model"
	"github.com/OpenNSW/formflow/internal/form/store"
)

// PageCache reads pages and participants through the shared cache, falling
// back to the store on a miss or when the cache is unavailable.
type PageCache struct {
	store          *store.Store
	cache          cache.Cache
	pageTTL        time.Duration
	participantTTL time.Duration
	logger         *zap.Logger
}

func NewPageCache(st *store.Store, c cache.Cache, pageTTL, participantTTL time.Duration, logger *zap.Logger) *PageCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PageCache{
		store:          st,
		cache:          c,
		pageTTL:        pageTTL,
		participantTTL: participantTTL,
		logger:         logger,
	}
}

// FindPage implements flow.PageFinder. The returned page carries its form.
func (pc *PageCache) FindPage(ctx context.Context, formID uuid.UUID, pageNumber int) (*model.Page, error) {
	key := cache.FormPageKey(formID.String(), pageNumber)

	var cached model.Page
	if pc.get(ctx, key, &cached) && cached.Form != nil {
		return &cached, nil
	}

	page, err := pc.store.FindPage(ctx, formID, pageNumber)
	if err != nil {
		return nil, err
	}
	pc.set(ctx, key, page, pc.pageTTL)
	return page, nil
}

// Participant returns a participant by id. Unknown ids yield store.ErrNotFound.
func (pc *PageCache) Participant(ctx context.Context, id uuid.UUID) (*model.Participant, error) {
	key := cache.ParticipantKey(id.String())

	var cached model.Participant
	if pc.get(ctx, key, &cached) {
		return &cached, nil
	}

	participant, err := pc.store.GetParticipant(ctx, id)
	if err != nil {
		return nil, err
	}
	pc.set(ctx, key, participant, pc.participantTTL)
	return participant, nil
}

// Page looks a page up by id within its form. It is read from the store so
// that a renumbered page is never served under a stale key.
func (pc *PageCache) Page(ctx context.Context, formID, pageID uuid.UUID) (*model.Page, error) {
	return pc.store.GetPage(ctx, formID, pageID)
}

// InvalidateForm drops every cached page of a form.
func (pc *PageCache) InvalidateForm(ctx context.Context, formID uuid.UUID) {
	if pc.cache == nil {
		return
	}
	if err := pc.cache.DeleteByPattern(ctx, cache.FormPagesPattern(formID.String())); err != nil {
		pc.logger.Warn("failed to invalidate cached pages", zap.String("formId", formID.String()), zap.Error(err))
	}
}

// InvalidatePage drops one cached page of a form.
func (pc *PageCache) InvalidatePage(ctx context.Context, formID uuid.UUID, pageNumber int) {
	pc.delete(ctx, cache.FormPageKey(formID.String(), pageNumber))
}

func (pc *PageCache) InvalidateParticipant(ctx context.Context, id uuid.UUID) {
	pc.delete(ctx, cache.ParticipantKey(id.String()))
}

// get reports a hit. Cache failures count as a miss.
func (pc *PageCache) get(ctx context.Context, key string, dest any) bool {
	if pc.cache == nil {
		return false
	}
	ok, err := pc.cache.Get(ctx, key, dest)
	if err != nil {
		pc.logger.Warn("cache read failed, reading from the database", zap.String("key", key), zap.Error(err))
		return false
	}
	return ok
}

func (pc *PageCache) set(ctx context.Context, key string, value any, ttl time.Duration) {
	if pc.cache == nil {
		return
	}
	if err := pc.cache.Set(ctx, key, value, ttl); err != nil {
		pc.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (pc *PageCache) delete(ctx context.Context, key string) {
	if pc.cache == nil {
		return
	}
	if err := pc.cache.Delete(ctx, key); err != nil {
		pc.logger.Warn("cache delete failed", zap.String("key", key), zap.Error(err))
	}
}

// isNotFound reports whether err means a missing record.
func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
