package application

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lmrelay/lmrelay/internal/application/usecase"
	"github.com/lmrelay/lmrelay/internal/domain/budget"
	"github.com/lmrelay/lmrelay/internal/domain/contextbuild"
	"github.com/lmrelay/lmrelay/internal/domain/memory"
	"github.com/lmrelay/lmrelay/internal/domain/repository"
	"github.com/lmrelay/lmrelay/internal/infrastructure/config"
	"github.com/lmrelay/lmrelay/internal/infrastructure/lmstudio"
	"github.com/lmrelay/lmrelay/internal/infrastructure/persistence"
	httpServer "github.com/lmrelay/lmrelay/internal/interfaces/http"
	"github.com/lmrelay/lmrelay/internal/interfaces/http/handlers"
	"github.com/lmrelay/lmrelay/pkg/safego"
)

// App is the dependency-injection container for the gateway.
type App struct {
	config  *config.Config
	watcher *config.Watcher
	logger  *zap.Logger
	db      *gorm.DB

	memoryRepo  repository.MemoryRepository
	profileRepo repository.ProfileRepository

	upstream  *lmstudio.Client
	counter   *lmstudio.Counter
	infoCache *lmstudio.InfoCache

	solver     *budget.Solver
	summarizer memory.Summarizer
	assembler  *contextbuild.Assembler
	compactor  *contextbuild.Compactor

	respondUC     *usecase.RespondUseCase
	autoSummaryUC *usecase.AutoSummaryUseCase

	httpServer *httpServer.Server
}

// NewApp wires every layer.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{
		config:  cfg,
		watcher: config.NewWatcher(cfg, logger),
		logger:  logger,
	}

	if err := app.initPersistence(); err != nil {
		return nil, fmt.Errorf("failed to init persistence: %w", err)
	}
	app.initUpstream()
	app.initDomain()
	app.initUseCases()
	app.initHTTP()

	return app, nil
}

func (a *App) initPersistence() error {
	db, err := persistence.NewDBConnection(&a.config.Database)
	if err != nil {
		return err
	}
	a.db = db
	a.memoryRepo = persistence.NewMemoryRepository(db)
	a.profileRepo = persistence.NewProfileRepository(db)
	return nil
}

func (a *App) initUpstream() {
	a.upstream = lmstudio.NewClient(a.config.Upstream, a.logger)
	a.counter = lmstudio.NewCounter(a.config.Upstream, a.config.Tokens, a.logger)
	a.infoCache = lmstudio.NewInfoCache(a.config.Upstream, a.config.Context, a.logger)
}

func (a *App) initDomain() {
	a.solver = budget.NewSolver(a.infoCache, a.config.Context, a.logger)

	a.summarizer = memory.NewLLMSummarizer(a.upstream, memory.SummarizerConfig{
		Model:            a.config.Summary.DefaultModel,
		Temperature:      0.2,
		MaxTokens:        a.config.Summary.GenMaxTokens,
		TimeoutSec:       a.config.Upstream.SummaryTimeoutSec,
		Style:            a.config.Memory.L3Style,
		MinNonemptyChars: a.config.Memory.L3MinNonemptyChars,
		RetryAttempts:    a.config.Memory.L3RetryAttempts,
	}, a.logger)

	a.assembler = contextbuild.NewAssembler(
		a.memoryRepo,
		a.profileRepo,
		a.solver,
		counterAdapter{a.counter},
		a.watcher.Memory,
		a.logger,
	)
	a.compactor = contextbuild.NewCompactor(
		a.assembler,
		a.memoryRepo,
		a.summarizer,
		a.watcher.Memory,
		a.config.Context,
		a.logger,
	)
}

func (a *App) initUseCases() {
	a.autoSummaryUC = usecase.NewAutoSummaryUseCase(a.memoryRepo, a.upstream, a.config.Summary, a.logger)
	a.respondUC = usecase.NewRespondUseCase(
		a.memoryRepo,
		a.compactor,
		a.upstream,
		a.config.Context,
		a.autoSummaryUC,
		a.logger,
	)
}

func (a *App) initHTTP() {
	h := httpServer.Handlers{
		Respond: handlers.NewRespondHandler(a.respondUC, a.logger),
		Profile: handlers.NewProfileHandler(a.profileRepo, a.logger),
		Thread:  handlers.NewThreadHandler(a.memoryRepo, a.logger),
		Model:   handlers.NewModelHandler(a.infoCache, a.solver, a.profileRepo, a.logger),
	}
	a.httpServer = httpServer.NewServer(httpServer.Config{
		Host: a.config.App.Host,
		Port: a.config.App.Port,
		Mode: a.config.App.Mode,
	}, h, a.upstream, a.logger)
}

// Start launches the HTTP server and the config watcher.
func (a *App) Start(ctx context.Context) error {
	safego.Go(a.logger, "config-watcher", func() {
		if err := a.watcher.Start("config.yaml"); err != nil {
			a.logger.Warn("Config watcher unavailable", zap.Error(err))
		}
	})
	return a.httpServer.Start(ctx)
}

// Stop shuts everything down.
func (a *App) Stop(ctx context.Context) error {
	a.watcher.Stop()
	if err := a.httpServer.Stop(ctx); err != nil {
		return err
	}
	if sqlDB, err := a.db.DB(); err == nil {
		return sqlDB.Close()
	}
	return nil
}

// Logger exposes the app logger to interface adapters.
func (a *App) Logger() *zap.Logger { return a.logger }

// counterAdapter bridges the upstream token counter into the assembler's
// message type.
type counterAdapter struct {
	c *lmstudio.Counter
}

func (a counterAdapter) CountChat(ctx context.Context, model string, msgs []contextbuild.Message) (int, string) {
	converted := make([]lmstudio.ChatMessage, len(msgs))
	for i, m := range msgs {
		converted[i] = lmstudio.ChatMessage{Role: m.Role, Content: m.Content}
	}
	return a.c.CountChat(ctx, model, converted)
}
