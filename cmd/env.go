package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pcf-provenance/internal/chain"
	"github.com/sells-group/pcf-provenance/internal/config"
	"github.com/sells-group/pcf-provenance/internal/emissions"
	"github.com/sells-group/pcf-provenance/internal/jobs"
	"github.com/sells-group/pcf-provenance/internal/lifecycle"
	"github.com/sells-group/pcf-provenance/internal/store"
	"github.com/sells-group/pcf-provenance/pkg/queue"
	"github.com/sells-group/pcf-provenance/pkg/registry"
	"github.com/sells-group/pcf-provenance/pkg/verifier"
)

// appEnv holds the initialized dependencies of the online commands.
type appEnv struct {
	Store     store.Store
	Registry  *registry.Client
	Verifier  *verifier.Client
	Publisher queue.Publisher
	Consumer  queue.Consumer
	Lifecycle *lifecycle.Service
	Jobs      *jobs.Jobs
}

type closer struct {
	name string
	fn   func() error
}

// Close releases every opened dependency, most recently opened first.
func (e *appEnv) Close() {
	var closers []closer
	if e.Consumer != nil {
		closers = append(closers, closer{"queue consumer", e.Consumer.Close})
	}
	if e.Publisher != nil {
		closers = append(closers, closer{"queue publisher", e.Publisher.Close})
	}
	if e.Verifier != nil {
		closers = append(closers, closer{"verifier", e.Verifier.Close})
	}
	if e.Registry != nil {
		closers = append(closers, closer{"registry", e.Registry.Close})
	}
	if e.Store != nil {
		closers = append(closers, closer{"store", e.Store.Close})
	}
	for _, c := range closers {
		if err := c.fn(); err != nil {
			zap.L().Warn("close failed", zap.String("dependency", c.name), zap.Error(err))
		}
	}
}

func loadTables(c *config.Config) (*emissions.Tables, error) {
	return emissions.LoadTables(c.Emissions.TablesPath)
}

func templateOptions(c *config.Config) chain.TemplateOptions {
	return chain.TemplateOptions{
		SpecVersion: c.Footprint.SpecVersion,
		DataSchema:  c.Footprint.DataSchema,
	}
}

// initOffline builds jobs that need no remote service.
func initOffline() (*jobs.Jobs, error) {
	tables, err := loadTables(cfg)
	if err != nil {
		return nil, err
	}
	return jobs.New(chain.NewBuilder(), tables, templateOptions(cfg), nil), nil
}

// initEnv opens the store, the registry and verifier connections and the
// queue, and wires them into the lifecycle service and jobs.
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	env := &appEnv{}
	ok := false
	defer func() {
		if !ok {
			env.Close()
		}
	}()

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	env.Store = st

	if env.Registry, err = registry.Dial(cfg.Registry, cfg.Resilience); err != nil {
		return nil, err
	}
	if env.Verifier, err = verifier.Dial(cfg.Verifier, cfg.Resilience); err != nil {
		return nil, err
	}
	if env.Publisher, err = queue.NewPublisher(cfg.Queue); err != nil {
		return nil, err
	}
	if env.Consumer, err = queue.NewConsumer(cfg.Queue, cfg.Queue.InboundTopic); err != nil {
		return nil, err
	}

	env.Lifecycle = lifecycle.NewService(lifecycle.Config{
		OutboundTopic: cfg.Queue.OutboundTopic,
		InboundTopic:  cfg.Queue.InboundTopic,
		AliasPrefix:   cfg.Registry.AliasPrefix,
	}, lifecycle.Deps{
		Registry:  env.Registry,
		Verifier:  env.Verifier,
		Publisher: env.Publisher,
		Consumer:  env.Consumer,
		Recorder:  env.Store,
	})

	tables, err := loadTables(cfg)
	if err != nil {
		return nil, err
	}
	env.Jobs = jobs.New(chain.NewBuilder(), tables, templateOptions(cfg), env.Lifecycle)

	ok = true
	return env, nil
}
