package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/uwdash/internal/pipeline"
	"github.com/sells-group/uwdash/internal/store"
)

// env holds the store and runner shared by the processing commands.
type env struct {
	Store  store.Gateway
	Runner *pipeline.Runner
}

// Close releases the store.
func (e *env) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens and migrates the configured store.
func initStore(ctx context.Context) (store.Gateway, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	return st, nil
}

// initEnv validates the configuration and builds the runner. Callers
// should defer env.Close().
func initEnv(ctx context.Context) (*env, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	runner, err := pipeline.FromConfig(cfg, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &env{Store: st, Runner: runner}, nil
}
