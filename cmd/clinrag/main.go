package main

import (
	"context"
	crypto_rand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinrag/clinrag/internal/config"
	"github.com/clinrag/clinrag/internal/domain/chat"
	"github.com/clinrag/clinrag/internal/domain/documents"
	"github.com/clinrag/clinrag/internal/domain/graph"
	"github.com/clinrag/clinrag/internal/domain/imaging"
	"github.com/clinrag/clinrag/internal/domain/memory"
	"github.com/clinrag/clinrag/internal/domain/retrieval"
	"github.com/clinrag/clinrag/internal/ingest"
	"github.com/clinrag/clinrag/internal/platform/db"
	"github.com/clinrag/clinrag/internal/platform/embedding"
	"github.com/clinrag/clinrag/internal/platform/fhir"
	"github.com/clinrag/clinrag/internal/platform/llm"
	"github.com/clinrag/clinrag/internal/platform/middleware"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinrag",
		Short: "Medical GraphRAG service over FHIR, knowledge graph, and imaging stores",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(checkHealthCmd())
	rootCmd.AddCommand(fixEnvironmentCmd())
	rootCmd.AddCommand(ingestMIMICCmd())
	rootCmd.AddCommand(seedGraphCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the chat API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func chatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat <query>",
		Short: "Run one agentic query from the terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			providerName, _ := cmd.Flags().GetString("provider")
			quiet, _ := cmd.Flags().GetBool("quiet")
			return runChat(args[0], providerName, quiet)
		},
	}
	cmd.Flags().String("provider", "nim", "LLM provider (nim or openai)")
	cmd.Flags().Bool("quiet", false, "Hide tool traces")
	return cmd
}

func checkHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check-health",
		Short: "Verify system health and schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			smoke, _ := cmd.Flags().GetBool("smoke-test")

			report := runHealthChecks(context.Background(), smoke)
			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))

			if report.Status != "pass" {
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().Bool("smoke-test", false, "Run a minimal end-to-end hybrid search")
	return cmd
}

func fixEnvironmentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fix-environment",
		Short: "Create missing tables and seed the knowledge graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL(), cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Println("Ensuring database tables exist...")
			if err := db.EnsureTables(ctx, pool, logger); err != nil {
				return fmt.Errorf("ensure tables: %w", err)
			}

			fmt.Println("Seeding knowledge graph...")
			seeder := graph.NewSeeder(graph.NewRepo(pool), logger)
			res, err := seeder.SeedIfNeeded(ctx)
			if err != nil {
				return fmt.Errorf("seed graph: %w", err)
			}
			if res.Skipped {
				fmt.Println("Knowledge graph already populated.")
			} else {
				fmt.Printf("Seeded %d entities and %d relationships.\n",
					res.EntitiesCreated, res.RelationshipsCreated)
			}

			fmt.Println("Checking FHIR server...")
			fhirClient := fhir.NewClient(ctx, cfg.FHIRBaseURL, logger)
			if fhirClient.DemoMode() {
				fmt.Println("FHIR server unreachable; imaging tools will answer in demo mode.")
			} else {
				fmt.Println("FHIR server reachable.")
			}

			fmt.Println("Environment fix complete.")
			return nil
		},
	}
}

func seedGraphCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed-graph",
		Short: "Seed the starter knowledge graph (idempotent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL(), cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			seeder := graph.NewSeeder(graph.NewRepo(pool), logger)
			res, err := seeder.Seed(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Seeded %d entities and %d relationships.\n",
				res.EntitiesCreated, res.RelationshipsCreated)
			return nil
		},
	}
}

func ingestMIMICCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest-mimic",
		Short: "Ingest MIMIC-CXR DICOM files into the image vector store",
		RunE: func(cmd *cobra.Command, args []string) error {
			source, _ := cmd.Flags().GetString("source")
			batchSize, _ := cmd.Flags().GetInt("batch-size")
			limit, _ := cmd.Flags().GetInt("limit")
			skipExisting, _ := cmd.Flags().GetBool("skip-existing")
			noSkip, _ := cmd.Flags().GetBool("no-skip-existing")
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			createFHIR, _ := cmd.Flags().GetBool("create-fhir")
			mapSubjects, _ := cmd.Flags().GetBool("map-subjects")

			if source == "" {
				return fmt.Errorf("--source is required")
			}
			if noSkip {
				skipExisting = false
			}

			return runIngest(ingest.Options{
				Source:       source,
				BatchSize:    batchSize,
				Limit:        limit,
				SkipExisting: skipExisting,
				DryRun:       dryRun,
				CreateFHIR:   createFHIR,
			}, mapSubjects)
		},
	}
	cmd.Flags().String("source", "", "Path to the MIMIC-CXR files tree (required)")
	cmd.Flags().Int("batch-size", ingest.DefaultBatchSize, "Images per embedding and database batch")
	cmd.Flags().Int("limit", 0, "Stop after N files (0 = no limit)")
	cmd.Flags().Bool("skip-existing", true, "Skip images already in the database")
	cmd.Flags().Bool("no-skip-existing", false, "Reprocess images already in the database")
	cmd.Flags().Bool("dry-run", false, "Discover and report without writing anything")
	cmd.Flags().Bool("create-fhir", false, "Materialize ImagingStudy resources on the FHIR server")
	cmd.Flags().Bool("map-subjects", false, "Assign patients to unknown MIMIC subjects (requires --create-fhir)")
	return cmd
}

// services bundles the wiring shared by serve and chat.
type services struct {
	pool   *pgxpool.Pool
	memory *memory.Store
	engine *chat.Engine
}

func buildServices(ctx context.Context, cfg *config.Config, providerName string, logger zerolog.Logger) (*services, error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL(), cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}

	embedder := embedding.NewClient(cfg.EmbeddingURL, cfg.EmbeddingTextModel, cfg.EmbeddingImageModel, logger)
	// A failed probe flips the client into mock mode; vector searches then
	// degrade to lexical instead of erroring on every request.
	_ = embedder.HealthCheck(ctx)

	fhirClient := fhir.NewClient(ctx, cfg.FHIRBaseURL, logger)

	docsSvc := documents.NewService(documents.NewRepo(pool), embedder, logger)
	graphSvc := graph.NewService(graph.NewRepo(pool), embedder, logger)
	imagingSvc := imaging.NewService(imaging.NewRepo(pool), embedder, fhirClient, logger)
	hybridSvc := retrieval.NewService(docsSvc, graphSvc, logger)
	memStore := memory.NewStore(embedder, 0, logger)

	provider, err := newProvider(cfg, providerName, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}

	registry := chat.NewToolRegistry(chat.Services{
		Documents: docsSvc,
		Graph:     graphSvc,
		Imaging:   imagingSvc,
		Hybrid:    hybridSvc,
		Memory:    memStore,
	}, logger)

	return &services{
		pool:   pool,
		memory: memStore,
		engine: chat.NewEngine(provider, registry, memStore, logger),
	}, nil
}

// newProvider builds the chat-completion client for a named provider. NIM
// and OpenAI speak the same completions protocol; they differ only in
// endpoint.
func newProvider(cfg *config.Config, name string, logger zerolog.Logger) (llm.Provider, error) {
	switch name {
	case "", "nim":
		return llm.NewOpenAIClient(cfg.LLMURL, cfg.LLMAPIKey, cfg.LLMModel, logger), nil
	case "openai":
		return llm.NewOpenAIClient("https://api.openai.com/v1", cfg.LLMAPIKey, cfg.LLMModel, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider %q (want nim or openai)", name)
	}
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.ValidateServe(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	svcs, err := buildServices(ctx, cfg, "", logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer svcs.pool.Close()
	logger.Info().Msg("connected to database")

	if err := db.EnsureTables(ctx, svcs.pool, logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to ensure tables")
	}

	secret, generated, err := resolveSessionSecret(cfg.SessionSecret)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to derive session secret")
	}
	if generated {
		logger.Warn().Msg("SESSION_SECRET not set; sessions will not survive a restart")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Content-Type", "X-Request-ID", "X-Session-Id"},
	}))
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
	// Above the agent's LLM budget so a slow turn finishes before the cut.
	e.Use(middleware.RequestTimeout(3 * time.Minute))

	handler := chat.NewHandler(svcs.engine, chat.NewSessionStore(secret), svcs.memory, version)
	handler.RegisterRoutes(e)
	e.GET("/health/db", db.HealthHandler(svcs.pool))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func runChat(query, providerName string, quiet bool) error {
	// Keep stdout clean for the conversation; structured logs go to stderr.
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.WarnLevel)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx := context.Background()
	svcs, err := buildServices(ctx, cfg, providerName, logger)
	if err != nil {
		return err
	}
	defer svcs.pool.Close()

	fmt.Printf(">>> Query: %s\n", query)

	sess := chat.NewSession("cli")
	answer, err := svcs.engine.Run(ctx, sess, query, true)
	if err != nil {
		return fmt.Errorf("chat error: %w", err)
	}

	if !quiet {
		for _, tr := range answer.Trace {
			fmt.Printf("\n[TRACE] Iteration %d: Executing %s\n", tr.Iteration, tr.Tool)
			fmt.Printf("  Input: %s\n", tr.Input)
			fmt.Printf("  Result: %s\n", tr.Result)
		}
	}

	fmt.Printf("\nAssistant: %s\n", answer.Reply)
	return nil
}

// healthCheck is one named probe in the check-health report.
type healthCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

type smokeResult struct {
	Status       string `json:"status"`
	ResultsCount int    `json:"results_count,omitempty"`
	TopResultID  string `json:"top_result_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

type healthReport struct {
	Status     string        `json:"status"`
	DurationMS int64         `json:"duration_ms"`
	Checks     []healthCheck `json:"checks"`
	SmokeTest  *smokeResult  `json:"smoke_test,omitempty"`
}

func (r *healthReport) add(name string, err error) {
	c := healthCheck{Name: name, OK: err == nil}
	if err != nil {
		c.Detail = err.Error()
	}
	r.Checks = append(r.Checks, c)
}

// runHealthChecks probes every dependency and optionally runs one hybrid
// search end to end. The report's Status is "pass" only when every check
// and the smoke test succeed.
func runHealthChecks(ctx context.Context, smoke bool) *healthReport {
	start := time.Now()
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel)
	report := &healthReport{Status: "pass"}

	cfg, err := config.Load()
	if err == nil {
		err = cfg.Validate()
	}
	report.add("configuration", err)
	if err != nil {
		report.Status = "fail"
		report.DurationMS = time.Since(start).Milliseconds()
		return report
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL(), cfg.DBMaxConns, cfg.DBMinConns)
	report.add("database", err)
	if pool != nil {
		defer pool.Close()
	}

	embedder := embedding.NewClient(cfg.EmbeddingURL, cfg.EmbeddingTextModel, cfg.EmbeddingImageModel, logger)
	report.add("embedding_service", embedder.HealthCheck(ctx))

	fhirClient := fhir.NewClient(ctx, cfg.FHIRBaseURL, logger)
	if fhirClient.DemoMode() {
		report.add("fhir_server", fmt.Errorf("unreachable at %s, demo mode active", cfg.FHIRBaseURL))
	} else {
		report.add("fhir_server", nil)
	}

	if cfg.LLMURL == "" {
		report.add("llm_configuration", fmt.Errorf("LLM_URL is not set"))
	} else {
		report.Checks = append(report.Checks, healthCheck{Name: "llm_configuration", OK: true, Detail: cfg.LLMModel})
	}

	if smoke {
		report.SmokeTest = runSmokeTest(ctx, pool, embedder, logger)
	}

	for _, c := range report.Checks {
		if !c.OK {
			report.Status = "fail"
		}
	}
	if report.SmokeTest != nil && report.SmokeTest.Status != "pass" {
		report.Status = "fail"
	}
	report.DurationMS = time.Since(start).Milliseconds()
	return report
}

// runSmokeTest performs one hybrid search for "hypertension". Passing
// requires at least one fused result, which proves the database, the
// embedding service, and the fusion path together.
func runSmokeTest(ctx context.Context, pool *pgxpool.Pool, embedder *embedding.Client, logger zerolog.Logger) *smokeResult {
	if pool == nil {
		return &smokeResult{Status: "fail", Error: "database unavailable"}
	}

	docsSvc := documents.NewService(documents.NewRepo(pool), embedder, logger)
	graphSvc := graph.NewService(graph.NewRepo(pool), embedder, logger)
	hybridSvc := retrieval.NewService(docsSvc, graphSvc, logger)

	resp, err := hybridSvc.Hybrid(ctx, "hypertension", 1, documents.Filters{})
	if err != nil {
		return &smokeResult{Status: "fail", Error: err.Error()}
	}
	if len(resp.Results) == 0 {
		return &smokeResult{Status: "fail", Error: "hybrid search returned no results"}
	}
	return &smokeResult{
		Status:       "pass",
		ResultsCount: len(resp.Results),
		TopResultID:  resp.Results[0].DocID,
	}
}

func runIngest(opts ingest.Options, mapSubjects bool) error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if mapSubjects && !opts.CreateFHIR {
		return fmt.Errorf("--map-subjects requires --create-fhir")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL(), cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := db.EnsureTables(ctx, pool, logger); err != nil {
		return fmt.Errorf("ensure tables: %w", err)
	}

	repo := imaging.NewRepo(pool)
	embedder := embedding.NewClient(cfg.EmbeddingURL, cfg.EmbeddingTextModel, cfg.EmbeddingImageModel, logger)

	deps := ingest.Deps{
		Store:    repo,
		Embedder: embedder,
		Reader:   ingest.DICOMReader{},
		Pool:     pool,
		Logger:   logger,
	}
	if opts.CreateFHIR {
		fhirClient := fhir.NewClient(ctx, cfg.FHIRBaseURL, logger)
		deps.FHIR = fhirClient
		if mapSubjects {
			deps.Mapper = ingest.NewMapper(repo, fhirClient, logger)
		}
	}

	res, err := ingest.New(deps).Run(ctx, opts)
	if err != nil {
		return err
	}

	fmt.Printf("Discovered:    %d\n", res.Discovered)
	fmt.Printf("Skipped large: %d\n", res.SkippedLarge)
	fmt.Printf("Skipped:       %d\n", res.Skipped)
	fmt.Printf("Processed:     %d\n", res.Processed)
	fmt.Printf("Inserted:      %d\n", res.Inserted)
	fmt.Printf("Errors:        %d\n", res.Errors)
	if opts.CreateFHIR {
		fmt.Printf("FHIR created:  %d\n", res.FHIRCreated)
		fmt.Printf("FHIR skipped:  %d\n", res.FHIRSkipped)
		fmt.Printf("FHIR errors:   %d\n", res.FHIRErrors)
	}
	fmt.Printf("Elapsed:       %s\n", res.Elapsed.Round(time.Millisecond))
	return nil
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

// resolveSessionSecret returns the configured session-signing secret or
// generates a random 32-byte one. The second return value is true when a
// random secret was generated.
func resolveSessionSecret(configured string) (string, bool, error) {
	if configured != "" {
		return configured, false, nil
	}
	buf := make([]byte, 32)
	if _, err := crypto_rand.Read(buf); err != nil {
		return "", false, fmt.Errorf("failed to generate random session secret: %w", err)
	}
	return hex.EncodeToString(buf), true, nil
}
