package main

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"projecthub.io/assistant/internal/config"
	"projecthub.io/assistant/internal/core"
	"projecthub.io/assistant/internal/schema"
	"projecthub.io/assistant/internal/store"
)

// app holds the wired pipeline and the resources it must release.
type app struct {
	chat   *core.ChatService
	turns  *store.SQLiteStore
	data   *sql.DB
	llm    *core.LLMService
	logger *zap.Logger
}

// newApp builds every pipeline component from cfg. publisher may be nil.
func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger, publisher core.Publisher) (a *app, err error) {
	a = &app{logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	catalog, err := schema.Load(cfg.SchemaCatalogFile)
	if err != nil {
		return nil, err
	}
	logger.Info("Schema catalog loaded", zap.String("version", catalog.Version), zap.Strings("tables", catalog.TableNames()))

	prompts, err := core.LoadBasePrompts(cfg.PromptsFile)
	if err != nil {
		return nil, err
	}

	if a.turns, err = store.NewSQLiteStore(cfg.DatabaseURL); err != nil {
		return nil, fmt.Errorf("failed to initialize turn store: %w", err)
	}
	personas, err := store.LoadPersonaFile(cfg.PersonasFile)
	if err != nil {
		return nil, err
	}
	seeded, err := a.turns.SeedPersonas(ctx, personas)
	if err != nil {
		return nil, fmt.Errorf("failed to seed personas: %w", err)
	}
	if seeded > 0 {
		logger.Info("Seeded personas", zap.Int("count", seeded))
	}

	if a.data, err = core.OpenDataStore(cfg.DataDBPath); err != nil {
		return nil, err
	}

	if a.llm, err = core.NewLLMService(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.EmbeddingModel, logger); err != nil {
		return nil, err
	}

	var examples *core.ExampleRetriever
	if cfg.ExamplesEnabled {
		if examples, err = core.NewExampleRetriever(ctx, a.turns, a.llm, logger); err != nil {
			return nil, err
		}
	}

	a.chat = core.NewChatService(core.ChatServiceConfig{
		Turns:         a.turns,
		Personas:      a.turns,
		Resolver:      core.NewPersonaResolver(a.turns, prompts),
		Generator:     core.NewSQLGenerator(a.llm, catalog, examples, cfg.GenerationTimeout, logger),
		Guard:         core.NewSQLGuard(catalog),
		Executor:      core.NewQueryExecutor(a.data, cfg.QueryTimeout, cfg.MaxRows, logger),
		Shaper:        core.NewResultShaper(logger),
		Composer:      core.NewAnalysisComposer(a.llm, cfg.GenerationTimeout, logger),
		Examples:      examples,
		Publisher:     publisher,
		HistoryWindow: cfg.HistoryWindow,
		Logger:        logger,
	})
	return a, nil
}

// Close waits for background work and releases stores and clients.
func (a *app) Close() {
	if a.chat != nil {
		a.chat.Wait()
	}
	if a.llm != nil {
		a.llm.Close()
	}
	if a.data != nil {
		if err := a.data.Close(); err != nil {
			a.logger.Warn("Error closing project data store", zap.Error(err))
		}
	}
	if a.turns != nil {
		if err := a.turns.Close(); err != nil {
			a.logger.Warn("Error closing turn store", zap.Error(err))
		}
	}
}
