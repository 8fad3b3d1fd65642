package cli

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/recollect/pkg/adapter"
	"github.com/m-mizutani/recollect/pkg/model"
	"github.com/m-mizutani/recollect/pkg/policy"
	"github.com/m-mizutani/recollect/pkg/repository"
	"github.com/m-mizutani/recollect/pkg/tool"
	knowledgetool "github.com/m-mizutani/recollect/pkg/tool/knowledge"
	memorytool "github.com/m-mizutani/recollect/pkg/tool/memory"
	"github.com/m-mizutani/recollect/pkg/usecase/knowledge"
	"github.com/m-mizutani/recollect/pkg/usecase/memory"
	"github.com/m-mizutani/recollect/pkg/usecase/recall"
	"github.com/m-mizutani/recollect/pkg/utils/logging"
	"github.com/m-mizutani/recollect/pkg/vectorindex"
	"github.com/urfave/cli/v3"
)

// config holds configuration values
type config struct {
	// Logging
	logLevel  string
	logFormat string

	// Backends
	vectorBackend  string
	contentBackend string
	project        string
	database       string
	chromemPath    string
	sqlitePath     string

	// Embedding
	embeddingProvider string
	embeddingModel    string
	dimension         int64
	openaiAPIKey      string
	openaiBaseURL     string
	ollamaHost        string
	embeddingCache    int64

	// Knowledge
	knowledgeIndex string
	topK           int64
	policyDir      string
	waitTimeout    time.Duration

	// Recall
	messagesIndex string
	recallTopK    int64
	messageRange  int64
	lastMessages  int64

	// LLM
	geminiProject  string
	geminiLocation string
	geminiModel    string

	// Snapshot
	snapshotBucket string
	snapshotPrefix string

	closers []func() error
	chromem *vectorindex.Chromem
}

// globalFlags returns common flags used across commands with destination config
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("RECOLLECT_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "Log format (console, json)",
			Value:       string(logging.FormatConsole),
			Sources:     cli.EnvVars("RECOLLECT_LOG_FORMAT"),
			Destination: &cfg.logFormat,
		},
		&cli.StringFlag{
			Name:        "vector-backend",
			Usage:       "Vector index backend (firestore, chromem)",
			Value:       "chromem",
			Sources:     cli.EnvVars("RECOLLECT_VECTOR_BACKEND"),
			Destination: &cfg.vectorBackend,
		},
		&cli.StringFlag{
			Name:        "content-backend",
			Usage:       "Content store backend (firestore, sqlite, memory)",
			Value:       "sqlite",
			Sources:     cli.EnvVars("RECOLLECT_CONTENT_BACKEND"),
			Destination: &cfg.contentBackend,
		},
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Google Cloud project ID",
			Sources:     cli.EnvVars("RECOLLECT_PROJECT", "GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.project,
		},
		&cli.StringFlag{
			Name:        "database",
			Aliases:     []string{"d"},
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("RECOLLECT_DATABASE", "FIRESTORE_DATABASE_ID"),
			Destination: &cfg.database,
		},
		&cli.StringFlag{
			Name:        "chromem-path",
			Usage:       "Directory to persist the chromem vector index (in-memory when empty)",
			Value:       ".recollect/vectors",
			Sources:     cli.EnvVars("RECOLLECT_CHROMEM_PATH"),
			Destination: &cfg.chromemPath,
		},
		&cli.StringFlag{
			Name:        "sqlite-path",
			Usage:       "SQLite database file of the content store",
			Value:       ".recollect/content.db",
			Sources:     cli.EnvVars("RECOLLECT_SQLITE_PATH"),
			Destination: &cfg.sqlitePath,
		},
	}
}

// embeddingFlags returns flags for the embedding provider with destination config
func embeddingFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "embedding-provider",
			Usage:       "Embedding provider (openai, gemini, ollama, hash)",
			Value:       "openai",
			Sources:     cli.EnvVars("RECOLLECT_EMBEDDING_PROVIDER"),
			Destination: &cfg.embeddingProvider,
		},
		&cli.StringFlag{
			Name:        "embedding-model",
			Usage:       "Embedding model name (provider default when empty)",
			Sources:     cli.EnvVars("RECOLLECT_EMBEDDING_MODEL"),
			Destination: &cfg.embeddingModel,
		},
		&cli.IntFlag{
			Name:        "dimension",
			Usage:       "Embedding dimension",
			Value:       adapter.DefaultDimensions,
			Sources:     cli.EnvVars("RECOLLECT_DIMENSION"),
			Destination: &cfg.dimension,
		},
		&cli.StringFlag{
			Name:        "openai-api-key",
			Usage:       "OpenAI API key",
			Sources:     cli.EnvVars("RECOLLECT_OPENAI_API_KEY", "OPENAI_API_KEY"),
			Destination: &cfg.openaiAPIKey,
		},
		&cli.StringFlag{
			Name:        "openai-base-url",
			Usage:       "OpenAI compatible API base URL",
			Sources:     cli.EnvVars("RECOLLECT_OPENAI_BASE_URL"),
			Destination: &cfg.openaiBaseURL,
		},
		&cli.StringFlag{
			Name:        "ollama-host",
			Usage:       "Ollama server URL",
			Value:       "http://localhost:11434",
			Sources:     cli.EnvVars("RECOLLECT_OLLAMA_HOST", "OLLAMA_HOST"),
			Destination: &cfg.ollamaHost,
		},
		&cli.IntFlag{
			Name:        "embedding-cache",
			Usage:       "Embedding cache size in bytes (0 disables)",
			Value:       64 << 20,
			Sources:     cli.EnvVars("RECOLLECT_EMBEDDING_CACHE"),
			Destination: &cfg.embeddingCache,
		},
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini",
			Sources:     cli.EnvVars("RECOLLECT_GEMINI_PROJECT", "GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Value:       "us-central1",
			Sources:     cli.EnvVars("RECOLLECT_GEMINI_LOCATION", "GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
	}
}

// knowledgeFlags returns flags for the knowledge base with destination config
func knowledgeFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "knowledge-index",
			Usage:       "Default knowledge index name",
			Value:       knowledge.DefaultIndex,
			Sources:     cli.EnvVars("RECOLLECT_KNOWLEDGE_INDEX"),
			Destination: &cfg.knowledgeIndex,
		},
		&cli.IntFlag{
			Name:        "default-top-k",
			Usage:       "Default number of search results",
			Value:       knowledge.DefaultTopK,
			Sources:     cli.EnvVars("RECOLLECT_TOP_K"),
			Destination: &cfg.topK,
		},
		&cli.StringFlag{
			Name:        "policy-dir",
			Usage:       "Directory of Rego policies replacing the built-in admission policy",
			Sources:     cli.EnvVars("RECOLLECT_POLICY_DIR"),
			Destination: &cfg.policyDir,
		},
		&cli.DurationFlag{
			Name:        "wait-visible",
			Usage:       "Wait until written records are searchable (0 disables)",
			Value:       vectorindex.DefaultWaitOptions.Timeout,
			Sources:     cli.EnvVars("RECOLLECT_WAIT_VISIBLE"),
			Destination: &cfg.waitTimeout,
		},
	}
}

// recallFlags returns flags for message recall with destination config
func recallFlags(cfg *config) []cli.Flag {
	def := recall.DefaultConfig()
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "messages-index",
			Usage:       "Vector index of conversation messages",
			Value:       def.Index,
			Sources:     cli.EnvVars("RECOLLECT_MESSAGES_INDEX"),
			Destination: &cfg.messagesIndex,
		},
		&cli.IntFlag{
			Name:        "recall-top-k",
			Usage:       "Number of similar messages to recall, at most 100 (0 disables semantic recall)",
			Value:       int64(def.TopK),
			Sources:     cli.EnvVars("RECOLLECT_RECALL_TOP_K"),
			Destination: &cfg.recallTopK,
		},
		&cli.IntFlag{
			Name:        "message-range",
			Usage:       "Neighbor messages recalled before and after each hit, at most 100",
			Value:       int64(def.MessageRange),
			Sources:     cli.EnvVars("RECOLLECT_MESSAGE_RANGE"),
			Destination: &cfg.messageRange,
		},
		&cli.IntFlag{
			Name:        "last-messages",
			Usage:       "Recent messages of the current thread to include",
			Value:       int64(def.LastMessages),
			Sources:     cli.EnvVars("RECOLLECT_LAST_MESSAGES"),
			Destination: &cfg.lastMessages,
		},
	}
}

// llmFlags returns flags for LLM-related configuration with destination config
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "gemini-model",
			Usage:       "Gemini model for chat",
			Value:       "gemini-2.5-flash",
			Sources:     cli.EnvVars("RECOLLECT_GEMINI_MODEL"),
			Destination: &cfg.geminiModel,
		},
	}
}

// snapshotFlags returns flags for index snapshots with destination config
func snapshotFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "bucket",
			Usage:       "Cloud Storage bucket for snapshots",
			Sources:     cli.EnvVars("RECOLLECT_SNAPSHOT_BUCKET"),
			Destination: &cfg.snapshotBucket,
		},
		&cli.StringFlag{
			Name:        "prefix",
			Usage:       "Object prefix for snapshots",
			Value:       "snapshots",
			Sources:     cli.EnvVars("RECOLLECT_SNAPSHOT_PREFIX"),
			Destination: &cfg.snapshotPrefix,
		},
	}
}

// setup attaches the configured logger to ctx
func (cfg *config) setup(ctx context.Context) context.Context {
	logger := logging.New(cfg.logLevel, nil, logging.WithFormat(logging.Format(cfg.logFormat)))
	logging.SetDefault(logger)
	return logging.With(ctx, logger)
}

// close releases every client opened by the newX constructors
func (cfg *config) close(ctx context.Context) {
	for i := len(cfg.closers) - 1; i >= 0; i-- {
		if err := cfg.closers[i](); err != nil {
			logging.From(ctx).Warn("failed to close client", logging.ErrAttr(err))
		}
	}
	cfg.closers = nil
}

func (cfg *config) waitOptions() *vectorindex.WaitOptions {
	if cfg.waitTimeout <= 0 {
		return nil
	}
	opts := vectorindex.DefaultWaitOptions
	opts.Timeout = cfg.waitTimeout
	return &opts
}

// newEmbedder creates the configured embedding provider
func (cfg *config) newEmbedder(ctx context.Context) (adapter.Embedder, error) {
	dim := int(cfg.dimension)
	if dim <= 0 {
		return nil, goerr.Wrap(model.ErrConfigurationMissing, "dimension must be positive", goerr.V("dimension", dim))
	}

	var embedder adapter.Embedder
	switch cfg.embeddingProvider {
	case "openai":
		opts := []adapter.OpenAIOption{adapter.WithOpenAIDimensions(dim)}
		if cfg.embeddingModel != "" {
			opts = append(opts, adapter.WithOpenAIModel(cfg.embeddingModel))
		}
		e, err := adapter.NewOpenAIEmbedder(cfg.openaiAPIKey, cfg.openaiBaseURL, opts...)
		if err != nil {
			return nil, err
		}
		embedder = e

	case "gemini":
		opts := []adapter.GeminiOption{adapter.WithEmbeddingDimensions(dim)}
		if cfg.embeddingModel != "" {
			opts = append(opts, adapter.WithEmbeddingModel(cfg.embeddingModel))
		}
		e, err := adapter.NewGemini(ctx, cfg.geminiProject, cfg.geminiLocation, opts...)
		if err != nil {
			return nil, err
		}
		embedder = e

	case "ollama":
		e, err := adapter.NewOllamaEmbedder(cfg.ollamaHost, cfg.embeddingModel, dim)
		if err != nil {
			return nil, err
		}
		embedder = e

	case "hash":
		embedder = adapter.NewHashEmbedder(dim)

	default:
		return nil, goerr.Wrap(model.ErrConfigurationMissing, "unsupported embedding provider",
			goerr.V("provider", cfg.embeddingProvider),
			goerr.V("supported", []string{"openai", "gemini", "ollama", "hash"}))
	}

	if cfg.embeddingCache <= 0 {
		return embedder, nil
	}
	cached, err := adapter.NewCachedEmbedder(embedder, cfg.embeddingCache)
	if err != nil {
		return nil, err
	}
	cfg.closers = append(cfg.closers, func() error {
		cached.Close()
		return nil
	})
	return cached, nil
}

// newGemini creates a new Gemini adapter instance for chat
func (cfg *config) newGemini(ctx context.Context) (adapter.Gemini, error) {
	return adapter.NewGemini(ctx, cfg.geminiProject, cfg.geminiLocation,
		adapter.WithGenerativeModel(cfg.geminiModel))
}

// newVectorIndex creates the configured vector index service
func (cfg *config) newVectorIndex(ctx context.Context) (vectorindex.Service, error) {
	switch cfg.vectorBackend {
	case "firestore":
		svc, err := vectorindex.NewFirestore(ctx, cfg.project, cfg.database)
		if err != nil {
			return nil, err
		}
		cfg.closers = append(cfg.closers, svc.Close)
		return svc, nil

	case "chromem":
		var opts []vectorindex.ChromemOption
		if cfg.chromemPath != "" {
			opts = append(opts, vectorindex.WithChromemPath(cfg.chromemPath))
		}
		svc, err := vectorindex.NewChromem(opts...)
		if err != nil {
			return nil, err
		}
		cfg.chromem = svc
		return svc, nil

	default:
		return nil, goerr.Wrap(model.ErrConfigurationMissing, "unsupported vector backend",
			goerr.V("backend", cfg.vectorBackend),
			goerr.V("supported", []string{"firestore", "chromem"}))
	}
}

// newRepository creates the configured content store
func (cfg *config) newRepository(ctx context.Context) (repository.Repository, error) {
	switch cfg.contentBackend {
	case "firestore":
		repo, err := repository.NewFirestore(ctx, cfg.project, cfg.database)
		if err != nil {
			return nil, err
		}
		cfg.closers = append(cfg.closers, repo.Close)
		return repo, nil

	case "sqlite":
		repo, err := repository.NewSQLite(ctx, cfg.sqlitePath)
		if err != nil {
			return nil, err
		}
		cfg.closers = append(cfg.closers, repo.Close)
		return repo, nil

	case "memory":
		return repository.NewMemory(), nil

	default:
		return nil, goerr.Wrap(model.ErrConfigurationMissing, "unsupported content backend",
			goerr.V("backend", cfg.contentBackend),
			goerr.V("supported", []string{"firestore", "sqlite", "memory"}))
	}
}

// newPolicy loads the admission policy
func (cfg *config) newPolicy(ctx context.Context) (*policy.Checker, error) {
	var opts []policy.Option
	if cfg.policyDir != "" {
		opts = append(opts, policy.WithPolicyDir(cfg.policyDir))
	}
	return policy.New(ctx, opts...)
}

// newKnowledge wires the document indexer and retrieval engine
func (cfg *config) newKnowledge(ctx context.Context) (*knowledge.UseCase, *policy.Checker, error) {
	embedder, err := cfg.newEmbedder(ctx)
	if err != nil {
		return nil, nil, err
	}
	index, err := cfg.newVectorIndex(ctx)
	if err != nil {
		return nil, nil, err
	}
	return cfg.knowledgeUseCase(ctx, embedder, index)
}

func (cfg *config) knowledgeUseCase(ctx context.Context, embedder adapter.Embedder, index vectorindex.Service) (*knowledge.UseCase, *policy.Checker, error) {
	checker, err := cfg.newPolicy(ctx)
	if err != nil {
		return nil, nil, err
	}

	opts := []knowledge.Option{
		knowledge.WithAdmission(checker),
		knowledge.WithDefaultIndex(cfg.knowledgeIndex),
		knowledge.WithDefaultTopK(int(cfg.topK)),
	}
	if wait := cfg.waitOptions(); wait != nil {
		opts = append(opts, knowledge.WithWaitVisible(*wait))
	}
	return knowledge.New(embedder, index, opts...), checker, nil
}

// newRecall wires message ingestion and the recall window builder
func (cfg *config) newRecall(ctx context.Context) (*recall.UseCase, repository.Repository, error) {
	embedder, err := cfg.newEmbedder(ctx)
	if err != nil {
		return nil, nil, err
	}
	index, err := cfg.newVectorIndex(ctx)
	if err != nil {
		return nil, nil, err
	}
	repo, err := cfg.newRepository(ctx)
	if err != nil {
		return nil, nil, err
	}
	uc, err := cfg.recallUseCase(ctx, repo, embedder, index)
	if err != nil {
		return nil, nil, err
	}
	return uc, repo, nil
}

func (cfg *config) recallUseCase(ctx context.Context, repo repository.Repository, embedder adapter.Embedder, index vectorindex.Service) (*recall.UseCase, error) {
	rc := recall.DefaultConfig()
	rc.Index = cfg.messagesIndex
	rc.TopK = int(cfg.recallTopK)
	rc.MessageRange = int(cfg.messageRange)
	rc.LastMessages = int(cfg.lastMessages)

	opts := []recall.Option{recall.WithConfig(rc)}
	if wait := cfg.waitOptions(); wait != nil {
		opts = append(opts, recall.WithWaitVisible(*wait))
	}

	uc, err := recall.New(repo, embedder, index, opts...)
	if err != nil {
		return nil, err
	}
	if _, err := uc.EnsureIndex(ctx); err != nil {
		return nil, err
	}
	return uc, nil
}

// stack is every use case sharing one embedder, vector index and content store
type stack struct {
	knowledge *knowledge.UseCase
	policy    *policy.Checker
	recall    *recall.UseCase
	memory    *memory.UseCase
	repo      repository.Repository
}

// newStack wires all use cases for the chat and serve commands
func (cfg *config) newStack(ctx context.Context) (*stack, error) {
	embedder, err := cfg.newEmbedder(ctx)
	if err != nil {
		return nil, err
	}
	index, err := cfg.newVectorIndex(ctx)
	if err != nil {
		return nil, err
	}
	repo, err := cfg.newRepository(ctx)
	if err != nil {
		return nil, err
	}

	knowledgeUC, checker, err := cfg.knowledgeUseCase(ctx, embedder, index)
	if err != nil {
		return nil, err
	}
	if _, err := knowledgeUC.EnsureIndex(ctx, ""); err != nil {
		return nil, err
	}
	recallUC, err := cfg.recallUseCase(ctx, repo, embedder, index)
	if err != nil {
		return nil, err
	}

	return &stack{
		knowledge: knowledgeUC,
		policy:    checker,
		recall:    recallUC,
		memory:    memory.New(repo),
		repo:      repo,
	}, nil
}

// registry builds the tool registry. A non-empty resource binds the memory
// tools to it so the model cannot address another resource.
func (s *stack) registry(resourceID model.ResourceID, threadID model.ThreadID, extra ...tool.Tool) *tool.Registry {
	var memOpts []memorytool.Option
	if resourceID != "" {
		memOpts = append(memOpts, memorytool.WithResource(resourceID))
	}
	if threadID != "" {
		memOpts = append(memOpts, memorytool.WithThread(threadID))
	}

	tools := []tool.Tool{
		knowledgetool.New(s.knowledge, knowledgetool.WithCategories(s.policy.Categories())),
		memorytool.New(s.recall, s.memory, memOpts...),
	}
	return tool.New(append(tools, extra...)...)
}
