package form

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/OpenNSW/formflow/internal/cache"
	"github.com/OpenNSW/formflow/internal/config"
	"github.com/OpenNSW/formflow/internal/form/router"
	"github.com/OpenNSW/formflow/internal/form/service"
	"github.com/OpenNSW/formflow/internal/form/store"
	"github.com/OpenNSW/formflow/internal/ratelimit"
	"github.com/OpenNSW/formflow/internal/uploads"
)

// Deps are the shared resources the form platform is built on. Cache and
// Limiter may be nil when Redis is not configured.
type Deps struct {
	DB      *gorm.DB
	Cache   cache.Cache
	Limiter ratelimit.Limiter
	Storage uploads.StorageDriver
	Config  *config.Config
	Logger  *zap.Logger
}

// Manager wires the form services, the upload service and their routers.
type Manager struct {
	store        *store.Store
	pages        *service.PageCache
	forms        *service.FormService
	participants *service.ParticipantService
	pipeline     *service.SubmissionPipeline
	uploads      *uploads.UploadService
	formRouter   *router.FormRouter
	uploadRouter *uploads.HTTPHandler
}

func NewManager(d Deps) *Manager {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sub := d.Config.Submission

	st := store.New(d.DB)
	pages := service.NewPageCache(st, d.Cache, sub.PageCacheTTL, sub.ParticipantCacheTTL, logger.Named("cache"))

	m := &Manager{store: st, pages: pages}

	// Uploads are scoped by the same cached participant and page lookups the
	// pipeline uses.
	m.uploads = uploads.NewUploadService(d.Storage, pages, sub.MaxFileSize, sub.UploadURLTTL, logger.Named("uploads"))

	links := service.NewLinks(d.Config.Server.PublicURL)
	m.forms = service.NewFormService(st, pages, m.uploads, logger.Named("forms"))
	m.participants = service.NewParticipantService(st, pages, m.uploads, links, logger.Named("participants"))
	m.pipeline = service.NewSubmissionPipeline(st, pages, d.Limiter, m.uploads, service.PipelineConfig{
		PublicURL:        d.Config.Server.PublicURL,
		MaxPageAttempts:  sub.MaxPageAttempts,
		RateLimitWindow:  sub.RateLimitWindow,
		FileCheckTimeout: sub.StorageCheckTimeout,
	}, logger.Named("pipeline"))

	m.formRouter = router.NewFormRouter(m.forms, m.participants, m.pipeline, logger.Named("router"))
	m.uploadRouter = uploads.NewHTTPHandler(m.uploads, logger.Named("uploads"))
	return m
}

// RegisterRoutes mounts the participant, creator and file routes under api.
func (m *Manager) RegisterRoutes(api *gin.RouterGroup, requireCreator gin.HandlerFunc) {
	m.formRouter.RegisterRoutes(api, requireCreator)
	m.uploadRouter.RegisterRoutes(api)
}
