// Package daemon runs the watchdog continuously: a scheduler fires the
// pipeline on a fixed tick, worker pools drain each stage, and optional
// side rails (seed-file watcher, NATS publisher, metrics endpoint) hang
// off the same lifecycle.
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"git.home.luguber.info/inful/watchdog/internal/config"
	"git.home.luguber.info/inful/watchdog/internal/logfields"
	"git.home.luguber.info/inful/watchdog/internal/metrics"
	"git.home.luguber.info/inful/watchdog/internal/pipeline"
	"git.home.luguber.info/inful/watchdog/internal/seed"
	"git.home.luguber.info/inful/watchdog/internal/store"
)

// Stage pool sizes. Fetch is network bound and polite per host, the
// LLM stages are budgeted, case build is serialized so merge scoring
// never races itself.
const (
	fetchWorkers     = 4
	extractWorkers   = 2
	triageWorkers    = 2
	caseBuildWorkers = 1
)

// shutdownGrace bounds how long Stop waits for in-flight work.
const shutdownGrace = 60 * time.Second

// Daemon owns the periodic pipeline execution.
type Daemon struct {
	cfg   *config.Settings
	store *store.Store
	pipe  *pipeline.Pipeline
	rec   metrics.Recorder
	log   *slog.Logger

	metricsHandler http.Handler
	pub            *Publisher
	sched          gocron.Scheduler
	workers        workerGroup

	mu    sync.Mutex
	runID string

	baseCtx context.Context
}

// New assembles a daemon. metricsHandler may be nil; the endpoint is
// only served when both it and cfg.MetricsAddr are set.
func New(cfg *config.Settings, st *store.Store, pipe *pipeline.Pipeline, rec metrics.Recorder, metricsHandler http.Handler) (*Daemon, error) {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	d := &Daemon{
		cfg:            cfg,
		store:          st,
		pipe:           pipe,
		rec:            rec,
		log:            slog.Default(),
		metricsHandler: metricsHandler,
	}

	if cfg.NATSURL != "" {
		pub, err := NewPublisher(cfg.NATSURL, d.currentRunID)
		if err != nil {
			return nil, err
		}
		d.pub = pub
		pipe.SetEvents(pub)
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	d.sched = sched
	return d, nil
}

// Run blocks until ctx is cancelled, then shuts down gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	d.baseCtx = ctx
	d.log.Info("daemon starting",
		"tick_interval", d.cfg.TickInterval.String(),
		"tick_budget", d.cfg.TickBudget.String())

	var metricsSrv *http.Server
	if d.cfg.MetricsAddr != "" && d.metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", d.metricsHandler)
		metricsSrv = &http.Server{Addr: d.cfg.MetricsAddr, Handler: mux}
		d.workers.Go(func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.log.Error("metrics server failed", logfields.Error(err))
			}
		})
		d.log.Info("metrics endpoint up", "addr", d.cfg.MetricsAddr)
	}

	if d.cfg.SourcesFile != "" {
		sw, err := newSourcesWatcher(d.cfg.SourcesFile, d.applySeedFile)
		if err != nil {
			return err
		}
		d.workers.Go(func() { sw.run(ctx) })
	}

	_, err := d.sched.NewJob(
		gocron.DurationJob(d.cfg.TickInterval),
		gocron.NewTask(d.tick),
		gocron.WithName("pipeline-tick"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return err
	}
	d.sched.Start()

	<-ctx.Done()
	d.log.Info("daemon stopping")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := d.sched.Shutdown(); err != nil {
		d.log.Warn("scheduler shutdown", logfields.Error(err))
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(stopCtx)
	}
	if err := d.workers.StopAndWait(stopCtx); err != nil {
		d.log.Warn("workers did not drain in time", logfields.Error(err))
	}
	if d.pub != nil {
		d.pub.Close()
	}
	return nil
}

func (d *Daemon) currentRunID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runID
}

// tick runs one full scheduling round: cooldown-filtered discovery,
// then stage pools until the pipeline is idle or the tick budget runs
// out. Overlapping ticks are prevented by gocron singleton mode.
func (d *Daemon) tick() {
	d.mu.Lock()
	d.runID = uuid.NewString()
	runID := d.runID
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(d.baseCtx, d.cfg.TickBudget)
	defer cancel()

	start := time.Now()
	log := d.log.With(logfields.RunID(runID))
	log.Info("tick started")

	if err := d.discoverEligible(ctx, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("discovery round incomplete", logfields.Error(err))
	}
	d.drainPipeline(ctx, log)
	d.reportQueueDepth(ctx, log)

	log.Info("tick finished", logfields.DurationMS(float64(time.Since(start).Milliseconds())))
}

// discoverEligible polls every enabled source that is not in failure
// cooldown, and flags sources that have not succeeded in days.
func (d *Daemon) discoverEligible(ctx context.Context, log *slog.Logger) error {
	sources, err := d.store.ListSources(ctx, true)
	if err != nil {
		return err
	}

	now := time.Now()
	var (
		wg  sync.WaitGroup
		sem = make(chan struct{}, 8)
	)
	for _, src := range sources {
		if isStale(src, now) {
			log.Warn("source is stale",
				logfields.Source(src.ID), logfields.Municipality(src.Municipality))
		}
		if !eligibleForDiscovery(src, now) {
			log.Debug("source in cooldown",
				logfields.Source(src.ID), "consecutive_failures", src.ConsecutiveFailures)
			continue
		}
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			if _, err := d.pipe.RunDiscover(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
				log.Debug("source discovery failed", logfields.Source(id), logfields.Error(err))
			}
		}(src.ID)
	}
	wg.Wait()
	return ctx.Err()
}

// drainPipeline runs the stage pools in order, looping until a full
// pass moves nothing or the tick budget expires.
func (d *Daemon) drainPipeline(ctx context.Context, log *slog.Logger) {
	pools := []struct {
		stage   store.Stage
		workers int
		run     func(context.Context) (bool, error)
	}{
		{store.StageFetch, fetchWorkers, d.pipe.RunFetchOnce},
		{store.StageExtract, extractWorkers, d.pipe.RunExtractOnce},
		{store.StageTriage, triageWorkers, d.pipe.RunTriageOnce},
		{store.StageCaseBuild, caseBuildWorkers, d.pipe.RunCaseBuildOnce},
	}

	for {
		anyWork := false
		for _, pool := range pools {
			if ctx.Err() != nil {
				log.Debug("tick budget exhausted, stopping drain")
				return
			}
			if d.drainStage(ctx, pool.workers, pool.run) {
				anyWork = true
			}
		}
		if !anyWork {
			return
		}
	}
}

// drainStage runs n workers against one stage until it is empty.
// Reports whether any document was processed.
func (d *Daemon) drainStage(ctx context.Context, n int, run func(context.Context) (bool, error)) bool {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		anyWork bool
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				did, err := run(ctx)
				if err != nil || !did {
					return
				}
				mu.Lock()
				anyWork = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return anyWork
}

func (d *Daemon) reportQueueDepth(ctx context.Context, log *slog.Logger) {
	counts, err := d.store.CountDocumentsByStatus(ctx)
	if err != nil {
		log.Debug("queue depth query failed", logfields.Error(err))
		return
	}
	for status, n := range counts {
		d.rec.SetQueueDepth(string(status), n)
	}
}

func (d *Daemon) applySeedFile(ctx context.Context) error {
	entries, err := seed.Load(d.cfg.SourcesFile)
	if err != nil {
		return err
	}
	added, err := seed.Apply(ctx, d.store, entries)
	if err != nil {
		return err
	}
	if added > 0 {
		d.log.Info("seed applied", "sources_added", added)
	}
	return nil
}
