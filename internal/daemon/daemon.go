package daemon

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aegisops/aegis/internal/approval"
	"github.com/aegisops/aegis/internal/engine"
	"github.com/aegisops/aegis/internal/executor"
	"github.com/aegisops/aegis/internal/ingest"
	"github.com/aegisops/aegis/internal/model"
	"github.com/aegisops/aegis/internal/ranker"
	"github.com/aegisops/aegis/internal/safety"
	"github.com/aegisops/aegis/internal/scheduler"
	"github.com/aegisops/aegis/internal/sdnotify"
	"github.com/aegisops/aegis/internal/store"
	"github.com/aegisops/aegis/internal/trigger"
	"github.com/aegisops/aegis/internal/vault"
	"github.com/aegisops/aegis/internal/worker"
)

// Version is set at build time.
var Version = "0.1.0"

// Daemon owns the process-wide subsystems and their lifecycle. Start
// order is store, then scheduler, then worker; the inbound surfaces
// (webhook, approval API) attach to the accessors once Run has started.
type Daemon struct {
	config *Config

	store     *store.Store
	factory   *executor.Factory
	gate      *safety.Gate
	engine    *engine.Engine
	matcher   *trigger.Matcher
	ingestor  *ingest.Ingestor
	approvals *approval.Service
	ranker    *ranker.Ranker
	worker    *worker.Worker
	scheduler *scheduler.Scheduler

	wg sync.WaitGroup
}

// New creates a daemon with the given configuration. Subsystems are
// constructed in Run, once the store is reachable.
func New(cfg *Config) *Daemon {
	return &Daemon{config: cfg}
}

// Store returns the persistence layer, for inbound surfaces.
func (d *Daemon) Store() *store.Store { return d.store }

// Ingestor returns the alert ingestion pipeline.
func (d *Daemon) Ingestor() *ingest.Ingestor { return d.ingestor }

// Approvals returns the approval service.
func (d *Daemon) Approvals() *approval.Service { return d.approvals }

// Ranker returns the solution ranker, nil when no embedder is configured.
func (d *Daemon) Ranker() *ranker.Ranker { return d.ranker }

// Matcher returns the trigger matcher.
func (d *Daemon) Matcher() *trigger.Matcher { return d.matcher }

// Gate returns the safety gate, for manual breaker operations.
func (d *Daemon) Gate() *safety.Gate { return d.gate }

// Run starts every subsystem and blocks until ctx is cancelled. Shutdown
// drains in-flight executions before closing the pool.
func (d *Daemon) Run(ctx context.Context) error {
	log.Printf("[daemon] aegis daemon v%s starting", Version)
	if d.config.DryRun {
		log.Printf("[daemon] DRY RUN MODE: no commands will reach targets")
	}

	st, err := store.New(ctx, d.config.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	d.store = st
	defer st.Close()

	if err := st.EnsureSchema(ctx); err != nil {
		return err
	}

	v, err := vault.NewFromFile(d.config.VaultKeyPath)
	if err != nil {
		return fmt.Errorf("load vault key: %w", err)
	}

	var knownHosts *executor.KnownHosts
	if d.config.KnownHostsPath != "" {
		knownHosts = executor.NewKnownHosts(d.config.KnownHostsPath)
	}
	d.factory = executor.NewFactory(v, knownHosts)
	defer d.factory.CloseAll()

	var embedder model.Embedder
	if d.config.EmbedderEndpoint != "" {
		embedder = newHTTPEmbedder(d.config.EmbedderEndpoint,
			time.Duration(d.config.EmbedderTimeout)*time.Second)
	}

	audit := st.AuditSink()
	d.gate = safety.NewGate(st)
	d.engine = engine.New(st, d.factory, d.gate, embedder, audit)
	d.matcher = trigger.NewMatcher(st, d.gate, audit)
	d.ingestor = ingest.New(st, d.matcher, embedder)
	d.approvals = approval.NewService(st, audit)
	if embedder != nil {
		d.ranker = ranker.New(st, embedder)
	}

	var runner worker.Runner = d.engine
	if d.config.DryRun {
		runner = dryRunner{engine: d.engine}
	}

	d.worker = worker.New(st, runner)
	d.worker.SetPollInterval(time.Duration(d.config.WorkerPollInterval) * time.Second)
	d.worker.SetBatchSize(d.config.WorkerBatchSize)

	d.scheduler = scheduler.New(st, runner, approval.NewToken)
	d.scheduler.SetTickInterval(time.Duration(d.config.SchedulerTick) * time.Second)

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.scheduler.Run(ctx)
	}()
	go func() {
		defer d.wg.Done()
		d.worker.Run(ctx)
	}()

	sdnotify.Ready()
	sdnotify.Status("running")
	watchdog := time.NewTicker(30 * time.Second)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[daemon] Shutting down")
			sdnotify.Stopping()
			d.wg.Wait()
			log.Printf("[daemon] Stopped")
			return nil
		case <-watchdog.C:
			sdnotify.Watchdog()
		}
	}
}

// dryRunner forces dry-run on every execution before handing it to the
// engine. Used when the daemon-wide dry_run flag is set.
type dryRunner struct {
	engine *engine.Engine
}

func (r dryRunner) Run(ctx context.Context, exec *model.RunbookExecution, rb *model.Runbook, server *model.Server) error {
	exec.DryRun = true
	return r.engine.Run(ctx, exec, rb, server)
}
