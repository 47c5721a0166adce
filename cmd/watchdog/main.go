package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/watchdog/internal/config"
	"git.home.luguber.info/inful/watchdog/internal/connector"
	"git.home.luguber.info/inful/watchdog/internal/daemon"
	"git.home.luguber.info/inful/watchdog/internal/gateway"
	"git.home.luguber.info/inful/watchdog/internal/llm"
	"git.home.luguber.info/inful/watchdog/internal/metrics"
	"git.home.luguber.info/inful/watchdog/internal/pipeline"
	"git.home.luguber.info/inful/watchdog/internal/seed"
	"git.home.luguber.info/inful/watchdog/internal/store"
)

// Exit codes: 0 success, 1 runtime failure, 2 configuration error.
const (
	exitOK      = 0
	exitFailure = 1
	exitConfig  = 2
)

var CLI struct {
	Verbose bool `short:"v" help:"Enable verbose logging"`

	RunDiscover struct {
		Source int64 `help:"Restrict the run to one source ID"`
	} `cmd:"" help:"Poll sources and register newly published documents"`

	RunPipeline struct{} `cmd:"" help:"Drain fetch, extract, triage and case build until idle"`

	Daemon struct{} `cmd:"" help:"Run continuously on the configured tick interval"`

	Health struct{} `cmd:"" help:"Print source health, queue depths and monthly LLM spend"`

	InitDB struct{} `cmd:"" name:"init-db" help:"Create the database schema"`

	AddSource struct {
		Municipality string `arg:"" help:"Municipality name"`
		URL          string `arg:"" help:"Base URL of the publishing platform"`
		Platform     string `help:"Platform override (cloudnc|dynasty|tweb|municipal_website); auto-detected when empty"`
		Disabled     bool   `help:"Register the source without enabling it"`
	} `cmd:"" help:"Register a monitored source"`

	Seed struct {
		File string `arg:"" type:"existingfile" help:"YAML seed file with source definitions"`
	} `cmd:"" help:"Apply a YAML seed file of sources"`

	Requeue struct {
		Document int64 `arg:"" help:"Document ID to send back through the pipeline"`
	} `cmd:"" help:"Requeue an errored document"`
}

func main() {
	kctx := kong.Parse(&CLI)

	level := slog.LevelInfo
	if CLI.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(exitConfig)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, kctx.Command(), cfg); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(exitFailure)
	}
	os.Exit(exitOK)
}

func run(ctx context.Context, command string, cfg *config.Settings) error {
	switch command {
	case "run-discover":
		return withApp(cfg, func(app *application) error {
			stats, err := app.pipe.RunDiscover(ctx, CLI.RunDiscover.Source)
			if err != nil {
				return err
			}
			slog.Info("Discovery round finished",
				"sources", stats.Sources, "new_documents", stats.NewDocs, "failures", stats.Failures)
			if stats.Failures > 0 {
				return fmt.Errorf("%d of %d sources failed discovery", stats.Failures, stats.Sources)
			}
			return nil
		})
	case "run-pipeline":
		return withApp(cfg, func(app *application) error {
			before, err := app.store.CountDocumentsByStatus(ctx)
			if err != nil {
				return err
			}
			if err := app.pipe.RunPipeline(ctx); err != nil {
				return err
			}
			after, err := app.store.CountDocumentsByStatus(ctx)
			if err != nil {
				return err
			}
			if n := after[store.DocError] - before[store.DocError]; n > 0 {
				return fmt.Errorf("%d documents parked in error during the run", n)
			}
			return nil
		})
	case "daemon":
		return withApp(cfg, func(app *application) error {
			d, err := daemon.New(cfg, app.store, app.pipe, app.rec, app.metricsHandler)
			if err != nil {
				return err
			}
			return d.Run(ctx)
		})
	case "health":
		return withStore(cfg, func(st *store.Store) error {
			return printHealth(ctx, st)
		})
	case "init-db":
		// Open applies the schema.
		return withStore(cfg, func(*store.Store) error {
			slog.Info("Database initialized", "path", cfg.DatabaseURL)
			return nil
		})
	case "add-source <municipality> <url>":
		return withStore(cfg, func(st *store.Store) error {
			platform := CLI.AddSource.Platform
			if platform == "" {
				platform = connector.DetectPlatform(CLI.AddSource.URL)
			}
			id, err := st.AddSource(ctx, &store.Source{
				Municipality: CLI.AddSource.Municipality,
				Platform:     platform,
				BaseURL:      CLI.AddSource.URL,
				Enabled:      !CLI.AddSource.Disabled,
			})
			if err != nil {
				return err
			}
			slog.Info("Source registered", "id", id, "platform", platform)
			return nil
		})
	case "seed <file>":
		return withStore(cfg, func(st *store.Store) error {
			entries, err := seed.Load(CLI.Seed.File)
			if err != nil {
				return err
			}
			added, err := seed.Apply(ctx, st, entries)
			if err != nil {
				return err
			}
			slog.Info("Seed applied", "entries", len(entries), "added", added)
			return nil
		})
	case "requeue <document>":
		return withStore(cfg, func(st *store.Store) error {
			if err := st.RequeueDocument(ctx, CLI.Requeue.Document); err != nil {
				return err
			}
			slog.Info("Document requeued", "document", CLI.Requeue.Document)
			return nil
		})
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

// application bundles the long-lived components the pipeline commands
// share.
type application struct {
	store          *store.Store
	pipe           *pipeline.Pipeline
	rec            metrics.Recorder
	metricsHandler http.Handler
}

func withStore(cfg *config.Settings, fn func(*store.Store) error) error {
	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

func withApp(cfg *config.Settings, fn func(*application) error) error {
	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()

	gw := gateway.New(cfg.UserAgent(), cfg.RateLimitRPS)

	var classifier pipeline.Classifier
	if cfg.OpenAIAPIKey != "" {
		classifier = llm.New(cfg.OpenAIAPIKey)
	}

	reg := prometheus.NewRegistry()
	rec := metrics.NewPrometheusRecorder(reg)

	pipe := pipeline.New(st, gw, classifier, pipeline.NewPDFExtractor(), cfg, rec)

	return fn(&application{
		store:          st,
		pipe:           pipe,
		rec:            rec,
		metricsHandler: metrics.HTTPHandler(reg),
	})
}

func printHealth(ctx context.Context, st *store.Store) error {
	sources, err := st.ListSources(ctx, false)
	if err != nil {
		return err
	}
	counts, err := st.CountDocumentsByStatus(ctx)
	if err != nil {
		return err
	}
	spend, err := st.MonthToDateCost(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("sources: %d\n", len(sources))
	for _, src := range sources {
		last := "never"
		if src.LastSuccessAt != nil {
			last = src.LastSuccessAt.Format("2006-01-02 15:04")
		}
		state := "ok"
		if !src.Enabled {
			state = "disabled"
		} else if src.ConsecutiveFailures > 0 {
			state = fmt.Sprintf("failing (%d consecutive)", src.ConsecutiveFailures)
		}
		fmt.Printf("  [%d] %s (%s): %s, last success %s\n",
			src.ID, src.Municipality, src.Platform, state, last)
	}

	fmt.Println("documents:")
	for _, status := range []store.DocumentStatus{store.DocNew, store.DocFetched, store.DocExtracted, store.DocProcessed, store.DocError} {
		fmt.Printf("  %-10s %d\n", status, counts[status])
	}

	fmt.Printf("llm spend this month: %.4f EUR\n", spend)
	return nil
}
