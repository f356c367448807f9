// Package agent runs the endpoint backup loop: a fixed-interval tick that
// reloads settings, supervises the keepalive worker, dispatches backup cycles
// by mode, and enforces a ceiling on cycle duration. Cycles run on their own
// goroutine; the single-flight state machine keeps them from overlapping.
package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stormcloudapp/stormcloud/internal/backupstate"
	"github.com/stormcloudapp/stormcloud/internal/events"
	"github.com/stormcloudapp/stormcloud/internal/hashindex"
	"github.com/stormcloudapp/stormcloud/internal/history"
	"github.com/stormcloudapp/stormcloud/internal/logging"
	"github.com/stormcloudapp/stormcloud/internal/restore"
	"github.com/stormcloudapp/stormcloud/internal/schedule"
	"github.com/stormcloudapp/stormcloud/internal/settings"
	"github.com/stormcloudapp/stormcloud/internal/transport"
)

const (
	// DefaultTickInterval is the orchestrator loop period.
	DefaultTickInterval = 90 * time.Second

	// cycleTimeout force-fails a backup cycle that runs longer than this.
	cycleTimeout = time.Hour

	// recoveryThreshold ages out in_progress history rows left by a crash.
	recoveryThreshold = 2 * time.Hour

	// uploadParallelism bounds concurrent uploads within a cycle.
	uploadParallelism = 4
)

// Config wires an Agent's collaborators.
type Config struct {
	InstallDir string
	Settings   *settings.Store
	Index      *hashindex.Index
	History    history.Store
	Client     *transport.Client
	Bus        *events.Bus
	Log        *logging.Logger

	// TickInterval overrides DefaultTickInterval; used by tests.
	TickInterval time.Duration

	// IgnoreHashIndex bypasses change detection: every discovered file is
	// uploaded every cycle. The index is still updated on acknowledged
	// uploads so a later run without the flag starts warm.
	IgnoreHashIndex bool
}

// Agent is the orchestrator.
type Agent struct {
	installDir string
	store      *settings.Store
	idx        *hashindex.Index
	hist       history.Store
	client     *transport.Client
	bus        *events.Bus
	log        *logging.Logger

	state      *backupstate.State
	restorer   *restore.Worker
	tick       time.Duration
	ignoreHash bool

	// versions accumulates server-assigned version ids per path for the
	// manifest snapshots.
	versions sync.Map

	// keepaliveFreq is read by the keepalive loop and refreshed from the
	// settings file every tick.
	keepaliveFreq atomic.Int64
	kaDone        chan struct{}

	lastCheck time.Time
}

// New creates an Agent.
func New(cfg Config) *Agent {
	log := cfg.Log
	if log == nil {
		log = logging.Default()
	}
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = DefaultTickInterval
	}

	a := &Agent{
		installDir: cfg.InstallDir,
		store:      cfg.Settings,
		idx:        cfg.Index,
		hist:       cfg.History,
		client:     cfg.Client,
		bus:        cfg.Bus,
		log:        log,
		state:      backupstate.New(),
		tick:       tick,
		ignoreHash: cfg.IgnoreHashIndex,
	}
	a.restorer = restore.NewWorker(cfg.Client, cfg.History, cfg.Bus, log)
	a.keepaliveFreq.Store(settings.DefaultKeepaliveFreq)
	return a
}

// Run executes the orchestrator loop until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if n, err := a.hist.RecoverStale(ctx, recoveryThreshold); err != nil {
		a.log.Error("History crash recovery failed: %v", err)
	} else if n > 0 {
		a.log.Warn("Marked %d stale operations as failed during crash recovery", n)
	}

	a.lastCheck = time.Now()

	ticker := time.NewTicker(a.tick)
	defer ticker.Stop()

	a.tickOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.tickOnce(ctx)
		}
	}
}

// tickOnce is one orchestrator iteration: reload settings, supervise the
// keepalive worker, dispatch a cycle if due, enforce the cycle timeout.
func (a *Agent) tickOnce(ctx context.Context) {
	now := time.Now()

	cfg, err := a.store.Load()
	if err != nil {
		a.log.Error("Settings reload failed, skipping tick: %v", err)
		a.lastCheck = now
		return
	}
	a.keepaliveFreq.Store(int64(cfg.KeepaliveFreqSeconds))

	if schedule.IsClockJump(a.lastCheck, now) {
		// A suspend/resume or manual clock change; missed triggers collapse
		// into at most one firing below.
		a.log.Warn("Clock jumped %s since last tick", now.Sub(a.lastCheck).Round(time.Second))
	}

	a.ensureKeepalive(ctx)

	switch cfg.BackupMode {
	case settings.ModeRealtime:
		a.dispatchCycle(ctx, cfg, history.SourceRealtime)
	case settings.ModeScheduled:
		if due, src := schedule.Evaluate(cfg.BackupSchedule, a.lastCheck, now, a.state.InProgress()); due {
			a.log.Info("Scheduled backup due (%s trigger)", src)
			a.dispatchCycle(ctx, cfg, history.SourceScheduled)
		}
	}
	a.lastCheck = now

	if a.state.CheckTimeout(cycleTimeout) {
		a.log.Error("Backup cycle exceeded %s and was force-failed", cycleTimeout)
	}
}

// dispatchCycle starts a cycle on its own goroutine if none is running.
func (a *Agent) dispatchCycle(ctx context.Context, cfg *settings.Settings, source string) {
	if !a.state.Start(source) {
		return
	}

	go func() {
		opID, success := a.runCycle(ctx, cfg, source)
		a.state.Complete(success)

		if err := a.writeManifestSnapshot(cfg); err != nil {
			a.log.Warn("Manifest snapshot failed: %v", err)
		}
		if a.bus != nil {
			a.bus.Publish(events.Event{
				Type: events.EventCycleComplete,
				Payload: map[string]interface{}{
					"operation_id": opID,
					"success":      success,
				},
			})
		}
	}()
}

// ensureKeepalive starts the keepalive worker, restarting it if its goroutine
// has exited.
func (a *Agent) ensureKeepalive(ctx context.Context) {
	if a.kaDone != nil {
		select {
		case <-a.kaDone:
			a.log.Warn("Keepalive worker exited, restarting")
			a.kaDone = nil
		default:
			return
		}
	}

	done := make(chan struct{})
	a.kaDone = done
	go func() {
		defer close(done)
		a.keepaliveLoop(ctx)
	}()
}

// keepaliveLoop pings the server at the configured frequency and drains any
// restore queue the response carries. Frequency changes apply on the next
// iteration.
func (a *Agent) keepaliveLoop(ctx context.Context) {
	for {
		res, err := a.client.Keepalive(ctx)
		switch {
		case err == nil:
			if len(res.RestoreQueue) > 0 {
				a.log.Info("Keepalive returned %d queued restores", len(res.RestoreQueue))
				if _, err := a.restorer.Drain(ctx, res.RestoreQueue); err != nil {
					a.log.Error("Restore drain failed: %v", err)
				}
			}
		case transport.IsAuth(err):
			a.log.Error("Keepalive rejected, credentials invalid: %v", err)
		default:
			a.log.Warn("Keepalive failed: %v", err)
		}

		freq := time.Duration(a.keepaliveFreq.Load()) * time.Second
		select {
		case <-ctx.Done():
			return
		case <-time.After(freq):
		}
	}
}
