package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/troubleshootd/internal/classifier"
	"github.com/fyrsmithlabs/troubleshootd/internal/config"
	"github.com/fyrsmithlabs/troubleshootd/internal/contextbuilder"
	"github.com/fyrsmithlabs/troubleshootd/internal/embeddings"
	"github.com/fyrsmithlabs/troubleshootd/internal/kvstore"
	"github.com/fyrsmithlabs/troubleshootd/internal/llm"
	"github.com/fyrsmithlabs/troubleshootd/internal/memory"
	"github.com/fyrsmithlabs/troubleshootd/internal/orchestrator"
	"github.com/fyrsmithlabs/troubleshootd/internal/phase"
	"github.com/fyrsmithlabs/troubleshootd/internal/secrets"
	"github.com/fyrsmithlabs/troubleshootd/internal/tools"
	"github.com/fyrsmithlabs/troubleshootd/internal/vectorstore"
	"github.com/fyrsmithlabs/troubleshootd/internal/workflow"
)

// Registry owns the wired components.
type Registry struct {
	orchestrator *orchestrator.Orchestrator
	coordinator  *memory.Coordinator
	queue        *memory.ConsolidationQueue
	catalog      *tools.Catalog
	store        kvstore.Store
	sanitizer    secrets.Sanitizer
	logger       *zap.Logger

	closers []namedCloser
}

type namedCloser struct {
	name string
	fn   func() error
}

// Option overrides a component Build would otherwise create from config.
type Option func(*options)

type options struct {
	provider  llm.Provider
	embedder  embeddings.Provider
	store     kvstore.Store
	publisher orchestrator.Publisher
	version   string
}

// WithProvider uses p instead of the configured model provider.
func WithProvider(p llm.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithEmbedder uses e instead of the configured embedding provider.
func WithEmbedder(e embeddings.Provider) Option {
	return func(o *options) { o.embedder = e }
}

// WithStore uses s instead of the configured key-value backend. The
// registry does not close it.
func WithStore(s kvstore.Store) Option {
	return func(o *options) { o.store = s }
}

// WithPublisher uses p for turn events.
func WithPublisher(p orchestrator.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithVersion sets the version reported to MCP tool servers.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// Build wires every component from cfg. On error everything built so far is
// released.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (_ *Registry, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	o := &options{version: "dev"}
	for _, opt := range opts {
		opt(o)
	}

	r := &Registry{logger: logger}
	defer func() {
		if err != nil {
			_ = r.Close()
		}
	}()

	sanitizer, err := newSanitizer(cfg.Secrets)
	if err != nil {
		return nil, err
	}
	r.sanitizer = sanitizer

	r.store = o.store
	if r.store == nil {
		store, err := openStore(ctx, cfg.Store)
		if err != nil {
			return nil, err
		}
		r.store = store
		r.addCloser("store", store.Close)
	}

	embedder := o.embedder
	if embedder == nil {
		embedder, err = embeddings.NewProvider(cfg.Embeddings, cfg.VectorStore.VectorSize)
		if err != nil {
			return nil, fmt.Errorf("creating embeddings provider: %w", err)
		}
		r.addCloser("embeddings", embedder.Close)
	}

	index, err := vectorstore.New(ctx, cfg.VectorStore, embedder, logger)
	if err != nil {
		return nil, fmt.Errorf("creating vector index: %w", err)
	}
	r.addCloser("vectorstore", index.Close)

	coordinator, err := buildMemory(cfg, r.store, index, sanitizer, logger)
	if err != nil {
		return nil, err
	}
	r.coordinator = coordinator

	r.queue, err = memory.NewConsolidationQueue(coordinator, logger, memory.WithQueueConfig(cfg.Consolidation))
	if err != nil {
		return nil, fmt.Errorf("creating consolidation queue: %w", err)
	}

	provider := o.provider
	if provider == nil {
		provider, err = llm.New(cfg.LLM, logger)
		if err != nil {
			return nil, fmt.Errorf("creating model provider: %w", err)
		}
	}

	cls, err := classifier.New(logger,
		classifier.WithProvider(provider),
		classifier.WithSanitizer(sanitizer),
		classifier.WithConfig(cfg.Classifier))
	if err != nil {
		return nil, fmt.Errorf("creating classifier: %w", err)
	}

	var doctrine *phase.Doctrine
	if cfg.Phase.DoctrineFile != "" {
		doctrine, err = phase.LoadDoctrine(cfg.Phase.DoctrineFile)
		if err != nil {
			return nil, err
		}
	}
	machine := phase.NewMachine(doctrine, phase.WithPhaseConfig(cfg.Phase))

	r.catalog, err = r.buildCatalog(ctx, cfg.Tools, coordinator.Episodic(), o.version)
	if err != nil {
		return nil, err
	}
	health := tools.NewHealthRegistry(0, 0)
	broker, err := tools.NewBroker(r.catalog, health, logger)
	if err != nil {
		return nil, fmt.Errorf("creating tool broker: %w", err)
	}

	engine, err := workflow.NewEngine(provider, r.catalog, machine, logger,
		workflow.WithWorkflowConfig(cfg.Workflow),
		workflow.WithHealthRegistry(health),
		workflow.WithSanitizer(sanitizer),
		workflow.WithGeneration(cfg.LLM.Temperature, cfg.LLM.MaxTokens))
	if err != nil {
		return nil, fmt.Errorf("creating workflow engine: %w", err)
	}

	repo, err := phase.NewRepository(r.store, cfg.Memory.SessionTTL.Duration(), func() string { return shortuuid.New() })
	if err != nil {
		return nil, fmt.Errorf("creating state repository: %w", err)
	}

	publisher := o.publisher
	if publisher == nil && cfg.Events.NATSURL != "" {
		p, err := orchestrator.ConnectNATSPublisher(cfg.Events.NATSURL, cfg.Events.SubjectPrefix)
		if err != nil {
			logger.Warn("turn events disabled", zap.String("url", cfg.Events.NATSURL), zap.Error(err))
		} else {
			publisher = p
		}
	}

	r.orchestrator, err = orchestrator.New(orchestrator.Deps{
		Coordinator: coordinator,
		Classifier:  cls,
		Builder:     contextbuilder.New(cfg.Context.TokenBudget),
		Broker:      broker,
		Engine:      engine,
		Repository:  repo,
		Queue:       r.queue,
		Publisher:   publisher,
	}, logger, orchestrator.WithRetrievalLimit(cfg.Memory.RetrievalLimit))
	if err != nil {
		return nil, fmt.Errorf("creating orchestrator: %w", err)
	}
	r.addCloser("orchestrator", r.orchestrator.Close)

	logger.Info("services initialized",
		zap.String("store", cfg.Store.Backend),
		zap.String("vectorstore", cfg.VectorStore.Provider),
		zap.Strings("tools", r.catalog.Names()),
		zap.Bool("events", cfg.Events.NATSURL != ""))
	return r, nil
}

func newSanitizer(cfg config.SecretsConfig) (secrets.Sanitizer, error) {
	if cfg.Disabled {
		return secrets.Noop{}, nil
	}
	var opts []secrets.Option
	if cfg.AllowlistFile != "" {
		allow, err := secrets.LoadAllowlist(cfg.AllowlistFile)
		if err != nil {
			return nil, fmt.Errorf("loading secrets allowlist: %w", err)
		}
		opts = append(opts, secrets.WithAllowlist(allow))
	}
	r, err := secrets.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating secret redactor: %w", err)
	}
	return r, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (kvstore.Store, error) {
	switch cfg.Backend {
	case "memory", "":
		return kvstore.NewMemoryStore(), nil
	case "sqlite":
		s, err := kvstore.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return s, nil
	case "nats":
		s, err := kvstore.ConnectNATS(cfg.NATSURL, cfg.NATSBucket)
		if err != nil {
			return nil, fmt.Errorf("opening nats store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func buildMemory(cfg *config.Config, store kvstore.Store, index vectorstore.Index, sanitizer secrets.Sanitizer, logger *zap.Logger) (*memory.Coordinator, error) {
	working, err := memory.NewWorkingMemory(store, sanitizer, cfg.Memory.WorkingCap, cfg.Memory.WorkingTTL.Duration())
	if err != nil {
		return nil, fmt.Errorf("creating working memory: %w", err)
	}
	session, err := memory.NewSessionMemory(store, sanitizer, cfg.Memory.SessionTTL.Duration())
	if err != nil {
		return nil, fmt.Errorf("creating session memory: %w", err)
	}
	user, err := memory.NewUserMemory(store, sanitizer)
	if err != nil {
		return nil, fmt.Errorf("creating user memory: %w", err)
	}
	episodic, err := memory.NewEpisodicMemory(index, sanitizer)
	if err != nil {
		return nil, fmt.Errorf("creating episodic memory: %w", err)
	}
	c, err := memory.NewCoordinator(working, session, user, episodic, logger, memory.WithMemoryConfig(cfg.Memory))
	if err != nil {
		return nil, fmt.Errorf("creating memory coordinator: %w", err)
	}
	return c, nil
}

// buildCatalog registers the built-in probes and, when configured, the
// tools served by an MCP server. An unreachable MCP server leaves those
// tools out rather than failing startup.
func (r *Registry) buildCatalog(ctx context.Context, cfg config.ToolsConfig, episodes tools.EpisodeSearcher, version string) (*tools.Catalog, error) {
	all, err := tools.Builtin(tools.NewHostPolicy(cfg.ProbeHosts), episodes)
	if err != nil {
		return nil, fmt.Errorf("creating built-in tools: %w", err)
	}

	if cfg.MCPCommand != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		backend, err := tools.ConnectMCP(connectCtx, tools.CommandTransport(cfg.MCPCommand, cfg.MCPArgs...), version, r.logger)
		if err != nil {
			r.logger.Warn("mcp tools unavailable", zap.String("command", cfg.MCPCommand), zap.Error(err))
		} else {
			r.addCloser("mcp", backend.Close)
			remote, err := backend.Tools(connectCtx)
			if err != nil {
				r.logger.Warn("listing mcp tools", zap.Error(err))
			}
			all = append(all, remote...)
		}
	}

	catalog, err := tools.NewCatalog(all...)
	if err != nil {
		return nil, fmt.Errorf("creating tool catalog: %w", err)
	}
	return catalog, nil
}

func (r *Registry) addCloser(name string, fn func() error) {
	r.closers = append(r.closers, namedCloser{name: name, fn: fn})
}

// Orchestrator returns the turn orchestrator.
func (r *Registry) Orchestrator() *orchestrator.Orchestrator { return r.orchestrator }

// Coordinator returns the memory coordinator.
func (r *Registry) Coordinator() *memory.Coordinator { return r.coordinator }

// Catalog returns the tool catalog.
func (r *Registry) Catalog() *tools.Catalog { return r.catalog }

// Store returns the key-value store.
func (r *Registry) Store() kvstore.Store { return r.store }

// Sanitizer returns the secret sanitizer shared by every component.
func (r *Registry) Sanitizer() secrets.Sanitizer { return r.sanitizer }

// Start runs the consolidation workers until Close.
func (r *Registry) Start(ctx context.Context) error {
	return r.queue.Start(ctx)
}

// Close stops the workers and releases every component in reverse order of
// creation.
func (r *Registry) Close() error {
	if r.queue != nil {
		r.queue.Stop()
	}
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		c := r.closers[i]
		if err := c.fn(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", c.name, err))
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}
