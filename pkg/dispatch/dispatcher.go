package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.uber.org/multierr"

	"github.com/fleettools/squawk/pkg/checkpoints"
	"github.com/fleettools/squawk/pkg/config"
	"github.com/fleettools/squawk/pkg/missions"
	"github.com/fleettools/squawk/pkg/models"
	"github.com/fleettools/squawk/pkg/services"
	"github.com/fleettools/squawk/pkg/specialists"
)

// Dispatcher owns one orchestrator per dispatched mission.
type Dispatcher struct {
	missions    *missions.Service
	specialists *specialists.Service
	checkpoints *checkpoints.Service
	cfg         config.DispatchConfig

	mu            sync.Mutex
	orchestrators map[string]*Orchestrator
}

func NewDispatcher(ms *missions.Service, sp *specialists.Service,
	cs *checkpoints.Service, cfg config.DispatchConfig) *Dispatcher {
	return &Dispatcher{
		missions:      ms,
		specialists:   sp,
		checkpoints:   cs,
		cfg:           cfg,
		orchestrators: map[string]*Orchestrator{},
	}
}

// Dispatch starts orchestrating a mission. A mission already being
// orchestrated, or one in a terminal state, is rejected.
func (d *Dispatcher) Dispatch(ctx context.Context, missionID string) (*Status, error) {
	mission, err := d.missions.Get(ctx, missionID)
	if err != nil {
		return nil, err
	}
	if mission.Status.Terminal() {
		return nil, fmt.Errorf("mission %s is %s: %w", missionID, mission.Status, services.ErrConflict)
	}

	d.mu.Lock()
	if existing, ok := d.orchestrators[missionID]; ok {
		switch existing.State() {
		case StateCompleted, StateFailed, StateIdle:
			// Finished run; replace it below.
		default:
			d.mu.Unlock()
			return nil, fmt.Errorf("mission %s is already dispatched: %w", missionID, services.ErrAlreadyExists)
		}
	}
	o := newOrchestrator(missionID, d.missions, d.specialists, d.checkpoints, d.cfg)
	d.orchestrators[missionID] = o
	d.mu.Unlock()

	if err := o.start(ctx); err != nil {
		d.mu.Lock()
		delete(d.orchestrators, missionID)
		d.mu.Unlock()
		return nil, err
	}
	if mission.Status == models.MissionStatusPending {
		inProgress := string(models.MissionStatusInProgress)
		if _, err := d.missions.Patch(ctx, missionID, models.MissionPatch{Status: &inProgress}); err != nil {
			slog.Warn("Mission status bump failed", "mission_id", missionID, "error", err)
		}
	}
	return o.Status(ctx)
}

func (d *Dispatcher) get(missionID string) (*Orchestrator, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.orchestrators[missionID]
	if !ok {
		return nil, fmt.Errorf("mission %s is not dispatched: %w", missionID, services.ErrNotFound)
	}
	return o, nil
}

// Pause suspends a mission's orchestrator.
func (d *Dispatcher) Pause(missionID string) error {
	o, err := d.get(missionID)
	if err != nil {
		return err
	}
	if err := o.Pause(); err != nil {
		return fmt.Errorf("%s: %w", err, services.ErrConflict)
	}
	return nil
}

// Resume continues a paused mission.
func (d *Dispatcher) Resume(missionID string) error {
	o, err := d.get(missionID)
	if err != nil {
		return err
	}
	if err := o.Resume(); err != nil {
		return fmt.Errorf("%s: %w", err, services.ErrConflict)
	}
	return nil
}

// Status reports a dispatched mission's orchestrator.
func (d *Dispatcher) Status(ctx context.Context, missionID string) (*Status, error) {
	o, err := d.get(missionID)
	if err != nil {
		return nil, err
	}
	return o.Status(ctx)
}

// Active counts orchestrators that are still running or paused.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, o := range d.orchestrators {
		switch o.State() {
		case StateRunning, StatePaused:
			n++
		}
	}
	return n
}

// Shutdown stops every orchestrator. Each in-flight mission gets a final
// checkpoint on the way down; stop failures are combined rather than
// aborting the sweep.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	all := make([]*Orchestrator, 0, len(d.orchestrators))
	for _, o := range d.orchestrators {
		all = append(all, o)
	}
	d.orchestrators = map[string]*Orchestrator{}
	d.mu.Unlock()

	var errs error
	for _, o := range all {
		func() {
			defer func() {
				if r := recover(); r != nil {
					errs = multierr.Append(errs, fmt.Errorf("stop orchestrator %s: %v", o.missionID, r))
				}
			}()
			o.stop(ctx)
		}()
	}
	slog.Info("Dispatcher shut down", "orchestrators", len(all))
	return errs
}
