// Command chronocast runs the Chronocast content-production pipeline. Each
// worker role is a subcommand over the same configuration file:
//
//	chronocast generator  — produce segment scripts and rendered audio
//	chronocast mastering  — normalize rendered audio for delivery
//	chronocast embedder   — index worldbuilding content for retrieval
//	chronocast scheduler  — materialise broadcast days (-once for a single run)
//	chronocast playout    — serve the broadcaster pull API
//	chronocast sweep      — reclaim stale job locks and worker rows
//	chronocast cleanup    — archive aired segments and prune old data
//	chronocast dlq        — inspect and replay dead-lettered jobs
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chronocast/chronocast/internal/config"
	"github.com/chronocast/chronocast/internal/embedder"
	"github.com/chronocast/chronocast/internal/generator"
	"github.com/chronocast/chronocast/internal/health"
	"github.com/chronocast/chronocast/internal/mastering"
	"github.com/chronocast/chronocast/internal/objstore"
	"github.com/chronocast/chronocast/internal/observe"
	"github.com/chronocast/chronocast/internal/playout"
	"github.com/chronocast/chronocast/internal/queue"
	"github.com/chronocast/chronocast/internal/scheduler"
	"github.com/chronocast/chronocast/internal/store"
	"github.com/chronocast/chronocast/internal/worker"
	"github.com/chronocast/chronocast/pkg/provider/embeddings"
	ollamaembed "github.com/chronocast/chronocast/pkg/provider/embeddings/ollama"
	oaembed "github.com/chronocast/chronocast/pkg/provider/embeddings/openai"
	"github.com/chronocast/chronocast/pkg/provider/llm"
	"github.com/chronocast/chronocast/pkg/provider/llm/anyllm"
	"github.com/chronocast/chronocast/pkg/provider/tts"
	"github.com/chronocast/chronocast/pkg/provider/tts/piper"
)

func main() {
	os.Exit(run())
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: chronocast <command> [flags]

commands:
  generator   run the segment generation worker
  mastering   run the audio mastering worker
  embedder    run the knowledge-base indexing worker
  scheduler   run the broadcast-day scheduler (-once for a single plan)
  playout     serve the broadcaster pull API
  sweep       reclaim stale job locks and worker liveness rows
  cleanup     archive aired segments and prune old data
  dlq         list and replay dead-lettered jobs

common flags:
  -config path   YAML configuration file (default "config.yaml")`)
}

func run() int {
	if len(os.Args) < 2 {
		usage()
		return 1
	}
	command := os.Args[1]

	fs := flag.NewFlagSet(command, flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration file")
	once := fs.Bool("once", false, "scheduler: plan one broadcast day and exit")
	retentionDays := fs.Int("retention-days", 30, "cleanup: archive aired segments older than this")
	nuclear := fs.Bool("nuclear", false, "cleanup: delete all archived segments regardless of age")
	if err := fs.Parse(os.Args[2:]); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "chronocast: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "chronocast: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "chronocast-" + command,
	})
	if err != nil {
		logger.Error("initialising telemetry failed", "error", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			logger.Warn("telemetry shutdown error", "error", err)
		}
	}()

	st, err := store.New(ctx, cfg.Database.DSN, cfg.Database.EmbeddingDimensions)
	if err != nil {
		logger.Error("connecting to database failed", "error", err)
		return 1
	}
	defer st.Close()
	if err := store.Migrate(ctx, st.Pool(), cfg.Database.EmbeddingDimensions); err != nil {
		logger.Error("migrating schema failed", "error", err)
		return 1
	}

	jobs := queue.New(st.Pool())

	logger.Info("chronocast starting",
		"command", command,
		"config", *configPath,
		"station", cfg.Station.Name)

	switch command {
	case "generator":
		err = runGenerator(ctx, cfg, st, jobs, logger)
	case "mastering":
		err = runMastering(ctx, cfg, st, jobs, logger)
	case "embedder":
		err = runEmbedder(ctx, cfg, st, jobs, logger)
	case "scheduler":
		err = runScheduler(ctx, cfg, st, jobs, logger, *once)
	case "playout":
		err = runPlayout(ctx, cfg, st, logger)
	case "sweep":
		err = runSweep(ctx, st, jobs, logger)
	case "cleanup":
		err = runCleanup(ctx, cfg, st, jobs, logger, *retentionDays, *nuclear)
	case "dlq":
		err = runDLQ(ctx, jobs, fs.Args())
	default:
		usage()
		return 1
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("run error", "command", command, "error", err)
		return 1
	}
	logger.Info("goodbye")
	return 0
}

// ── Worker roles ──────────────────────────────────────────────────────────────

func runGenerator(ctx context.Context, cfg *config.Config, st *store.Store, jobs *queue.Queue, logger *slog.Logger) error {
	llmProvider, err := buildLLM(cfg.Providers.LLM)
	if err != nil {
		return err
	}
	embProvider, err := buildEmbeddings(cfg.Providers.Embeddings)
	if err != nil {
		return err
	}
	ttsProvider, err := buildTTS(cfg.Providers.TTS)
	if err != nil {
		return err
	}
	objects, err := buildObjects(cfg.Storage)
	if err != nil {
		return err
	}

	gen := generator.New(generator.Config{
		Store:       st,
		Retriever:   generator.NewRetriever(st, embProvider),
		LLM:         llmProvider,
		TTS:         ttsProvider,
		Objects:     objects,
		Jobs:        jobs,
		Logger:      logger,
		StationName: cfg.Station.Name,
	})

	return runWorker(ctx, cfg, st, jobs, logger, "generator",
		map[string]worker.Handler{queue.TypeSegmentMake: gen.HandleSegmentMake},
		readinessCheckers(st, objects))
}

func runMastering(ctx context.Context, cfg *config.Config, st *store.Store, jobs *queue.Queue, logger *slog.Logger) error {
	objects, err := buildObjects(cfg.Storage)
	if err != nil {
		return err
	}

	m := mastering.New(mastering.Config{
		Store:       st,
		Objects:     objects,
		Jobs:        jobs,
		Logger:      logger,
		TargetLUFS:  cfg.Mastering.TargetLUFS,
		CeilingDBFS: cfg.Mastering.PeakCeilingDBFS,
		SampleRate:  cfg.Mastering.SampleRate,
	})

	return runWorker(ctx, cfg, st, jobs, logger, "mastering",
		map[string]worker.Handler{queue.TypeAudioFinalize: m.HandleAudioFinalize},
		readinessCheckers(st, objects))
}

func runEmbedder(ctx context.Context, cfg *config.Config, st *store.Store, jobs *queue.Queue, logger *slog.Logger) error {
	embProvider, err := buildEmbeddings(cfg.Providers.Embeddings)
	if err != nil {
		return err
	}
	objects, err := buildObjects(cfg.Storage)
	if err != nil {
		return err
	}

	ix := embedder.New(embedder.Config{
		Store:      st,
		Embeddings: embProvider,
		Objects:    objects,
		Logger:     logger,
	})

	return runWorker(ctx, cfg, st, jobs, logger, "embedder",
		map[string]worker.Handler{queue.TypeKBIndex: ix.HandleKBIndex},
		readinessCheckers(st, nil))
}

// runWorker wires the shared claim-loop harness around a set of job handlers
// and blocks until shutdown.
func runWorker(ctx context.Context, cfg *config.Config, st *store.Store, jobs *queue.Queue,
	logger *slog.Logger, workerType string, handlers map[string]worker.Handler,
	checkers []health.Checker) error {

	types := make([]string, 0, len(handlers))
	for typ := range handlers {
		types = append(types, typ)
	}

	listener, err := queue.NewListener(ctx, st.Pool(), types, logger)
	if err != nil {
		return err
	}
	defer listener.Close()

	w, err := worker.New(worker.Config{
		Jobs:          jobs,
		Listener:      listener,
		Health:        st,
		Logger:        logger,
		WorkerType:    workerType,
		Types:         types,
		MaxConcurrent: cfg.Workers.MaxConcurrentJobs,
		PollInterval:  time.Duration(cfg.Workers.PollIntervalSec) * time.Second,
		Lease:         time.Duration(cfg.Workers.LeaseMinutes) * time.Minute,
		DrainTimeout:  time.Duration(cfg.Workers.DrainTimeoutSec) * time.Second,
	})
	if err != nil {
		return err
	}
	for typ, h := range handlers {
		w.Register(typ, h)
	}

	stopMetrics := serveMetrics(ctx, cfg.Server.MetricsAddr, logger, checkers...)
	defer stopMetrics()

	return w.Run(ctx)
}

// ── Scheduler ─────────────────────────────────────────────────────────────────

func runScheduler(ctx context.Context, cfg *config.Config, st *store.Store, jobs *queue.Queue,
	logger *slog.Logger, once bool) error {

	loc := time.UTC
	if cfg.Station.Timezone != "" {
		var err error
		if loc, err = time.LoadLocation(cfg.Station.Timezone); err != nil {
			return fmt.Errorf("station timezone %q: %w", cfg.Station.Timezone, err)
		}
	}

	sched := scheduler.New(st, jobs, scheduler.Config{
		FutureYearOffset:  cfg.Station.FutureYearOffset,
		Location:          loc,
		RunAt:             cfg.Scheduler.RunAt,
		ReadySkipFraction: cfg.Scheduler.ReadySkipFraction,
	}, logger)

	if once || cfg.Scheduler.Mode == config.SchedulerOnce {
		// Single runs plan the next broadcast day, like each tick of the
		// continuous loop; today's day was planned yesterday.
		res, err := sched.PlanDay(ctx, time.Now().AddDate(0, 0, 1))
		if err != nil {
			return err
		}
		logger.Info("broadcast day planned",
			"day", res.BroadcastDay.Format(time.DateOnly),
			"created", res.Created,
			"existing", res.Existing,
			"hours_fallback", res.HoursFallback,
			"hours_off_air", res.HoursOffAir,
			"skipped", res.Skipped)
		return nil
	}

	stopMetrics := serveMetrics(ctx, cfg.Server.MetricsAddr, logger, readinessCheckers(st, nil)...)
	defer stopMetrics()
	return sched.Run(ctx)
}

// ── Playout bridge ────────────────────────────────────────────────────────────

func runPlayout(ctx context.Context, cfg *config.Config, st *store.Store, logger *slog.Logger) error {
	objects, err := buildObjects(cfg.Storage)
	if err != nil {
		return err
	}

	h := playout.New(playout.Config{
		Store:            st,
		Objects:          objects,
		Logger:           logger,
		FutureYearOffset: cfg.Station.FutureYearOffset,
		SignedURLTTL:     time.Duration(cfg.Storage.SignedURLTTLSec) * time.Second,
	})

	mux := http.NewServeMux()
	h.Register(mux)
	health.New(readinessCheckers(st, objects)...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("playout bridge listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// ── Maintenance ───────────────────────────────────────────────────────────────

func runSweep(ctx context.Context, st *store.Store, jobs *queue.Queue, logger *slog.Logger) error {
	reclaimed, err := jobs.SweepStaleLocks(ctx)
	if err != nil {
		return err
	}
	pruned, err := st.PruneStaleWorkers(ctx, 5*time.Minute)
	if err != nil {
		return err
	}
	logger.Info("sweep finished", "locks_reclaimed", reclaimed, "workers_pruned", pruned)
	return nil
}

func runCleanup(ctx context.Context, cfg *config.Config, st *store.Store, jobs *queue.Queue,
	logger *slog.Logger, retentionDays int, nuclear bool) error {

	offset := cfg.Station.FutureYearOffset
	if offset == 0 {
		offset = 500
	}
	broadcastNow := time.Now().AddDate(offset, 0, 0)

	archiveCutoff := broadcastNow.AddDate(0, 0, -retentionDays)
	deleteCutoff := archiveCutoff
	if nuclear {
		// Everything aired goes straight through archive and out.
		archiveCutoff = broadcastNow
		deleteCutoff = broadcastNow
	}

	archived, err := st.ArchiveAiredBefore(ctx, archiveCutoff)
	if err != nil {
		return err
	}
	deleted, err := st.DeleteArchivedBefore(ctx, deleteCutoff)
	if err != nil {
		return err
	}
	jobsPruned, err := jobs.PruneCompleted(ctx, time.Now().AddDate(0, 0, -retentionDays))
	if err != nil {
		return err
	}
	logger.Info("cleanup finished",
		"archived", archived,
		"deleted", deleted,
		"jobs_pruned", jobsPruned,
		"nuclear", nuclear)
	return nil
}

func runDLQ(ctx context.Context, jobs *queue.Queue, args []string) error {
	if len(args) == 0 {
		return errors.New(`dlq: expected "list" or "retry <id>"`)
	}
	switch args[0] {
	case "list":
		letters, err := jobs.ListDeadLetters(ctx, false, 50)
		if err != nil {
			return err
		}
		if len(letters) == 0 {
			fmt.Println("dead-letter queue is empty")
			return nil
		}
		for _, d := range letters {
			status := "unreviewed"
			if d.ReviewedAt != nil {
				status = "reviewed"
				if d.Resolution != "" {
					status += " (" + d.Resolution + ")"
				}
			}
			fmt.Printf("%s  %-16s  attempts=%d  %s  %s\n",
				d.ID, d.Type, d.AttemptsMade, status, d.FailureReason)
		}
		return nil
	case "retry":
		if len(args) < 2 {
			return errors.New("dlq retry: missing dead-letter id")
		}
		job, err := jobs.Replay(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("replayed %s as job %s\n", args[1], job.ID)
		return nil
	default:
		return fmt.Errorf("dlq: unknown action %q", args[0])
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

func buildLLM(entry config.ProviderEntry) (llm.Provider, error) {
	if entry.Name == "" {
		return nil, errors.New("providers.llm.name is required")
	}
	var opts []anyllmlib.Option
	if entry.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
	}
	if entry.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	p, err := anyllm.New(entry.Name, entry.Model, opts...)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
	}
	return p, nil
}

func buildEmbeddings(entry config.ProviderEntry) (embeddings.Provider, error) {
	switch entry.Name {
	case "openai":
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	case "ollama", "":
		return ollamaembed.New(entry.BaseURL, entry.Model)
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", entry.Name)
	}
}

func buildTTS(cfg config.TTSConfig) (tts.Provider, error) {
	var opts []piper.Option
	if cfg.DefaultModel != "" {
		opts = append(opts, piper.WithDefaultModel(cfg.DefaultModel))
	}
	if cfg.TimeoutSec > 0 {
		opts = append(opts, piper.WithTimeout(time.Duration(cfg.TimeoutSec)*time.Second))
	}
	return piper.New(cfg.ServerURL, opts...)
}

func buildObjects(cfg config.StorageConfig) (objstore.Store, error) {
	return objstore.NewSupabase(cfg.BaseURL, cfg.Bucket, cfg.ServiceKey)
}

// ── Observability endpoints ───────────────────────────────────────────────────

// serveMetrics exposes /metrics, /healthz and /readyz on addr. An empty addr
// disables the endpoint; the returned stop function is then a no-op.
func serveMetrics(ctx context.Context, addr string, logger *slog.Logger, checkers ...health.Checker) func() {
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(checkers...).Register(mux)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics endpoint error", "error", err)
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}

// readinessCheckers builds the standard probe set: the database always, the
// object store when the role uses one.
func readinessCheckers(st *store.Store, objects objstore.Store) []health.Checker {
	checkers := []health.Checker{{
		Name:  "database",
		Check: st.Ping,
	}}
	if objects != nil {
		checkers = append(checkers, health.Checker{
			Name: "objstore",
			Check: func(ctx context.Context) error {
				// A signed-URL request exercises auth and reachability without
				// moving object data.
				_, err := objects.SignURL(ctx, objstore.PrefixJingles+"station-id.wav", time.Minute)
				return err
			},
		})
	}
	return checkers
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
