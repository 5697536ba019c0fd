// Package dispatch runs one orchestrator per mission: it spawns specialists
// for each ready cohort, watches their heartbeats, takes progress
// checkpoints on an interval and at quartile milestones, and retires itself
// when the mission reaches a terminal state. A Dispatcher registry owns the
// orchestrators and exposes the pause/resume state machine.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/fleettools/squawk/pkg/checkpoints"
	"github.com/fleettools/squawk/pkg/config"
	"github.com/fleettools/squawk/pkg/missions"
	"github.com/fleettools/squawk/pkg/models"
	"github.com/fleettools/squawk/pkg/specialists"
)

// State is the orchestrator lifecycle.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Status is a point-in-time view of one orchestrator.
type Status struct {
	MissionID        string               `json:"mission_id"`
	State            State                `json:"state"`
	Specialists      []*models.Specialist `json:"specialists"`
	LastCheckpointAt *time.Time           `json:"last_checkpoint_at,omitempty"`
	StartedAt        time.Time            `json:"started_at"`
}

// Orchestrator drives one mission from dispatch to completion.
type Orchestrator struct {
	missionID   string
	missions    *missions.Service
	specialists *specialists.Service
	checkpoints *checkpoints.Service
	cfg         config.DispatchConfig
	log         *slog.Logger

	mu             sync.Mutex
	state          State
	milestones     map[int]bool
	lastCheckpoint *time.Time
	startedAt      time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func newOrchestrator(missionID string, ms *missions.Service, sp *specialists.Service,
	cs *checkpoints.Service, cfg config.DispatchConfig) *Orchestrator {
	return &Orchestrator{
		missionID:   missionID,
		missions:    ms,
		specialists: sp,
		checkpoints: cs,
		cfg:         cfg,
		log:         slog.With("mission_id", missionID),
		state:       StateIdle,
		milestones:  map[int]bool{},
	}
}

// start spawns the first cohort and launches the monitor loop.
func (o *Orchestrator) start(ctx context.Context) error {
	if err := o.spawnReady(ctx); err != nil {
		return err
	}
	o.mu.Lock()
	o.state = StateRunning
	o.startedAt = time.Now().UTC()
	o.mu.Unlock()

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.cancel = cancel
	o.done = make(chan struct{})
	go o.run(ctx)
	o.log.Info("Orchestrator started")
	return nil
}

func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.done)

	monitor := time.NewTicker(o.cfg.MonitorInterval)
	defer monitor.Stop()
	checkpoint := time.NewTicker(o.cfg.CheckpointInterval)
	defer checkpoint.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-monitor.C:
			if o.State() != StateRunning {
				continue
			}
			if done := o.tick(ctx); done {
				return
			}
		case <-checkpoint.C:
			if o.State() != StateRunning {
				continue
			}
			o.takeCheckpoint(ctx, models.TriggerProgress)
		}
	}
}

// tick is one monitor pass. Returns true when the mission reached a
// terminal state and the loop should exit.
func (o *Orchestrator) tick(ctx context.Context) bool {
	if err := o.checkHeartbeats(ctx); err != nil {
		o.log.Error("Heartbeat check failed", "error", err)
	}
	if err := o.spawnReady(ctx); err != nil {
		o.log.Error("Cohort spawn failed", "error", err)
	}
	o.checkMilestones(ctx)

	mission, err := o.missions.Get(ctx, o.missionID)
	if err != nil {
		o.log.Error("Mission lookup failed", "error", err)
		return false
	}
	if !mission.Status.Terminal() {
		return false
	}

	o.takeCheckpoint(ctx, models.TriggerManual)
	final := StateCompleted
	if mission.Status != models.MissionStatusCompleted {
		final = StateFailed
	}
	o.setState(final)
	o.log.Info("Orchestrator finished", "mission_status", mission.Status)
	return true
}

// spawnReady launches a specialist for every sortie whose dependencies are
// satisfied and which has no specialist yet. Cohort members spawn
// concurrently; failures are combined so one bad sortie does not hide the
// others.
func (o *Orchestrator) spawnReady(ctx context.Context) error {
	sorties, info, err := o.missions.SortiesWithCohorts(ctx, o.missionID, "")
	if err != nil {
		return err
	}
	existing, err := o.specialists.ListByMission(ctx, o.missionID)
	if err != nil {
		return err
	}
	covered := map[string]bool{}
	for _, sp := range existing {
		covered[sp.SortieID] = true
	}

	var g errgroup.Group
	var mu sync.Mutex
	var errs error
	for _, idx := range info.Parallelizable {
		sortie := sorties[idx]
		if covered[sortie.ID] {
			continue
		}
		g.Go(func() error {
			if _, err := o.specialists.Spawn(ctx, o.missionID, sortie); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("spawn for %s: %w", sortie.ID, err))
				mu.Unlock()
				return nil
			}
			o.log.Info("Specialist spawned", "sortie_id", sortie.ID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return errs
}

// checkHeartbeats fails specialists that have gone silent past the timeout
// and records an error checkpoint when any did.
func (o *Orchestrator) checkHeartbeats(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-o.cfg.HeartbeatTimeout)
	stale, err := o.specialists.Stale(ctx, cutoff)
	if err != nil {
		return err
	}

	var errs error
	failed := 0
	for _, sp := range stale {
		if sp.MissionID != o.missionID {
			continue
		}
		// Spawned-but-never-registered agents get the full timeout from
		// spawn before they count as dead.
		if err := o.specialists.MarkFailed(ctx, sp.ID, "heartbeat timeout"); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		failed++
	}
	if failed > 0 {
		o.takeCheckpoint(ctx, models.TriggerError)
	}
	return errs
}

// checkMilestones takes a progress checkpoint the first time each quartile
// is crossed. The checkpoint service's debounce collapses a milestone that
// lands on top of an interval tick.
func (o *Orchestrator) checkMilestones(ctx context.Context) {
	mission, err := o.missions.Get(ctx, o.missionID)
	if err != nil {
		return
	}
	percent := int(mission.ProgressPercent())

	o.mu.Lock()
	var crossed []int
	for _, quartile := range []int{25, 50, 75, 100} {
		if percent >= quartile && !o.milestones[quartile] {
			o.milestones[quartile] = true
			crossed = append(crossed, quartile)
		}
	}
	o.mu.Unlock()

	if len(crossed) > 0 {
		o.log.Info("Progress milestone reached", "quartiles", crossed, "percent", percent)
		o.takeCheckpoint(ctx, models.TriggerProgress)
	}
}

func (o *Orchestrator) takeCheckpoint(ctx context.Context, trigger models.CheckpointTrigger) {
	cp, err := o.checkpoints.Create(ctx, models.CreateCheckpointRequest{
		MissionID: o.missionID,
		Trigger:   string(trigger),
		CreatedBy: "orchestrator",
	})
	if err != nil {
		o.log.Error("Checkpoint failed", "trigger", trigger, "error", err)
		return
	}
	o.mu.Lock()
	o.lastCheckpoint = &cp.Timestamp
	o.mu.Unlock()
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// Pause suspends spawning, monitoring, and checkpointing. Specialists keep
// working; only the orchestrator goes quiet.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateRunning {
		return fmt.Errorf("orchestrator is %s, not running", o.state)
	}
	o.state = StatePaused
	o.log.Info("Orchestrator paused")
	return nil
}

// Resume continues a paused orchestrator.
func (o *Orchestrator) Resume() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StatePaused {
		return fmt.Errorf("orchestrator is %s, not paused", o.state)
	}
	o.state = StateRunning
	o.log.Info("Orchestrator resumed")
	return nil
}

// Status reports the orchestrator and its tracked specialists.
func (o *Orchestrator) Status(ctx context.Context) (*Status, error) {
	sps, err := o.specialists.ListByMission(ctx, o.missionID)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return &Status{
		MissionID:        o.missionID,
		State:            o.state,
		Specialists:      sps,
		LastCheckpointAt: o.lastCheckpoint,
		StartedAt:        o.startedAt,
	}, nil
}

// stop halts the loop and emits a final checkpoint for non-terminal
// missions so a restart can resume where this run left off.
func (o *Orchestrator) stop(ctx context.Context) {
	if o.cancel != nil {
		o.cancel()
		<-o.done
	}
	switch o.State() {
	case StateCompleted, StateFailed:
		return
	}
	o.takeCheckpoint(ctx, models.TriggerManual)
	o.setState(StateIdle)
	o.log.Info("Orchestrator stopped")
}
