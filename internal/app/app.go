// Package app wires a loaded configuration into a running engine.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync/atomic"

	"go.uber.org/zap"

	"buildtuner/internal/config"
	"buildtuner/internal/db"
	"buildtuner/internal/dispatch"
	"buildtuner/internal/engine"
	"buildtuner/internal/events"
	"buildtuner/internal/logging"
	"buildtuner/internal/migrate"
	"buildtuner/internal/policy"
	"buildtuner/internal/repo"
	"buildtuner/internal/store"
)

type Options struct {
	// Memory keeps experiments in process instead of the workspace database.
	Memory bool
	Log    *zap.Logger
}

// Env is an opened workspace with its engine.
type Env struct {
	Config     *config.Config
	DB         *sql.DB
	Store      store.ExperimentStore
	Policy     *policy.Client
	Dispatcher *dispatch.GitHub
	Engine     engine.Engine
	Log        *zap.Logger

	enabled atomic.Bool
}

// Open connects the store named by cfg, migrating the database when one is
// used, and builds the engine over it.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Env, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	env := &Env{Config: cfg, Log: logging.OrNop(opts.Log)}
	if opts.Memory {
		env.Store = store.NewMemory()
	} else {
		conn, err := db.Open(db.Config{Workspace: cfg.Store.Workspace})
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
		if err := migrate.Migrate(ctx, conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		env.DB = conn
		env.Store = repo.Repo{DB: conn}
	}

	env.Policy = policy.New(cfg.Policy.BaseURL, cfg.Policy.Timeout)
	env.Dispatcher = &dispatch.GitHub{
		APIURL:     cfg.Dispatch.APIURL,
		Repository: cfg.Dispatch.Repository,
		Workflow:   cfg.Dispatch.Workflow,
		Ref:        cfg.Dispatch.Ref,
		Token:      cfg.Dispatch.Token,
		HTTPClient: &http.Client{Timeout: cfg.Dispatch.Timeout},
	}
	env.enabled.Store(cfg.Experiments.Enabled)

	eng := engine.New(env.Store, env.Policy, env.Dispatcher, cfg, env.Log)
	eng.Enabled = env.enabled.Load
	if env.DB != nil {
		eng.Events = events.Writer{DB: env.DB}
	}
	env.Engine = eng
	return env, nil
}

// Repo returns the SQLite store, or false in memory mode.
func (e *Env) Repo() (repo.Repo, bool) {
	r, ok := e.Store.(repo.Repo)
	return r, ok
}

// Apply takes the settings of a reloaded config that can change while
// serving. Only the experiments switch is applied; the rest needs a restart.
func (e *Env) Apply(cfg *config.Config) {
	if cfg == nil {
		return
	}
	if prev := e.enabled.Swap(cfg.Experiments.Enabled); prev != cfg.Experiments.Enabled {
		e.Log.Info("experiments switch changed", zap.Bool("enabled", cfg.Experiments.Enabled))
	}
}

func (e *Env) Close() error {
	if e.DB == nil {
		return nil
	}
	return e.DB.Close()
}
