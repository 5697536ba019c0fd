package missions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/fleettools/squawk/pkg/eventstore"
	"github.com/fleettools/squawk/pkg/locks"
	"github.com/fleettools/squawk/pkg/models"
	"github.com/fleettools/squawk/pkg/resolver"
	"github.com/fleettools/squawk/pkg/services"
)

// Decompose accepts a planner's mission decomposition, validates it fully,
// and persists the mission with its sorties in one transaction. Nothing is
// persisted when any validation fails; the returned error aggregates every
// failure so the planner can fix them all at once.
func (s *Service) Decompose(ctx context.Context, req models.DecomposeRequest) (*models.SortieTree, error) {
	strategy := models.MissionStrategy(req.Strategy)
	if req.Strategy == "" {
		strategy = models.StrategyFeatureBased
	}

	if verr := validateDecompose(req, strategy); verr != nil {
		return nil, verr
	}

	plan := resolver.Resolve(lo.Map(req.Sorties, func(in models.SortieInput, i int) resolver.Node {
		return resolver.Node{Index: i, Dependencies: in.Dependencies, DurationMS: in.EstimatedDurationMS}
	}))
	if plan.HasCycles {
		return nil, &services.ValidationErrors{Errors: []*services.ValidationError{{
			Code:    services.CodeCircularDependency,
			Field:   "sorties",
			Message: plan.Error,
			Details: map[string]any{"cycle": plan.CycleNodes},
		}}}
	}
	if !plan.Success {
		return nil, &services.ValidationErrors{Errors: []*services.ValidationError{{
			Code:    services.CodeInvalidDependency,
			Field:   "sorties",
			Message: plan.Error,
		}}}
	}

	now := time.Now().UTC()
	mission := &models.Mission{
		ID:           "msn-" + uuid.NewString()[:8],
		Title:        req.Task,
		Description:  req.Context,
		Strategy:     strategy,
		Status:       models.MissionStatusPending,
		TotalSorties: len(req.Sorties),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	sorties := make([]*models.Sortie, len(req.Sorties))
	for i, in := range req.Sorties {
		complexity := in.Complexity
		if complexity == 0 {
			complexity = 3
		}
		sortieType := models.SortieType(in.Type)
		if in.Type == "" {
			sortieType = models.SortieTypeTask
		}
		sorties[i] = &models.Sortie{
			ID:                  fmt.Sprintf("%s.%d", mission.ID, i),
			MissionID:           mission.ID,
			SortieIndex:         i,
			Title:               in.Title,
			Description:         in.Description,
			Files:               canonicalFiles(in.Files),
			Dependencies:        in.Dependencies,
			Complexity:          complexity,
			Type:                sortieType,
			Status:              models.SortieStatusPending,
			EstimatedDurationMS: in.EstimatedDurationMS,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
	}

	err := s.events.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO missions (id, task, strategy, status, context, total_sorties, completed_sorties, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			mission.ID, mission.Title, mission.Strategy, mission.Status,
			mission.Description, mission.TotalSorties, now, now)
		if err != nil {
			return fmt.Errorf("insert mission: %w", err)
		}

		_, err = s.events.AppendTx(ctx, tx, eventstore.AppendInput{
			StreamType: models.StreamTypeMission,
			StreamID:   mission.ID,
			EventType:  models.EventTypeMissionCreated,
			Payload: models.MissionCreatedPayload{
				MissionID:    mission.ID,
				Task:         mission.Title,
				Strategy:     string(mission.Strategy),
				TotalSorties: mission.TotalSorties,
			},
		})
		if err != nil {
			return err
		}

		for _, sortie := range sorties {
			files, err := json.Marshal(sortie.Files)
			if err != nil {
				return fmt.Errorf("marshal files: %w", err)
			}
			deps, err := json.Marshal(emptyIfNil(sortie.Dependencies))
			if err != nil {
				return fmt.Errorf("marshal dependencies: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO sorties (id, mission_id, sortie_index, title, description, sortie_type,
					files, dependencies, complexity, status, progress, estimated_duration_ms, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
				sortie.ID, sortie.MissionID, sortie.SortieIndex, sortie.Title, sortie.Description,
				sortie.Type, string(files), string(deps), sortie.Complexity, sortie.Status,
				nullableInt64(sortie.EstimatedDurationMS), now, now)
			if err != nil {
				return fmt.Errorf("insert sortie %s: %w", sortie.ID, err)
			}

			_, err = s.events.AppendTx(ctx, tx, eventstore.AppendInput{
				StreamType: models.StreamTypeMission,
				StreamID:   mission.ID,
				EventType:  models.EventTypeSortieCreated,
				Payload: models.SortieCreatedPayload{
					SortieID:     sortie.ID,
					MissionID:    mission.ID,
					SortieIndex:  sortie.SortieIndex,
					Description:  sortie.Title,
					Files:        sortie.Files,
					Dependencies: emptyIfNil(sortie.Dependencies),
				},
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Mission decomposed",
		"mission_id", mission.ID,
		"strategy", mission.Strategy,
		"sorties", len(sorties),
		"parallel_groups", len(plan.ParallelGroups))

	return &models.SortieTree{Mission: mission, Sorties: sorties, Plan: plan}, nil
}

// validateDecompose checks everything except the graph shape, which the
// resolver owns. Errors accumulate; the caller sees the whole list.
func validateDecompose(req models.DecomposeRequest, strategy models.MissionStrategy) error {
	var errs []*services.ValidationError
	addErr := func(code, field, message string, details map[string]any) {
		errs = append(errs, &services.ValidationError{Code: code, Field: field, Message: message, Details: details})
	}

	if strings.TrimSpace(req.Task) == "" {
		addErr(services.CodeMissingField, "task", "task is required", nil)
	}
	if !strategy.Valid() {
		addErr(services.CodeInvalidEnum, "strategy", fmt.Sprintf("unknown strategy %q", req.Strategy), nil)
	}
	if len(req.Sorties) == 0 {
		addErr(services.CodeMissingField, "sorties", "at least one sortie is required", nil)
	}

	seenFiles := map[string]int{}
	for i, in := range req.Sorties {
		field := fmt.Sprintf("sorties[%d]", i)
		if strings.TrimSpace(in.Title) == "" {
			addErr(services.CodeMissingField, field+".title", "title is required", nil)
		}
		if in.Complexity != 0 && (in.Complexity < models.MinComplexity || in.Complexity > models.MaxComplexity) {
			addErr(services.CodeInvalidRange, field+".complexity",
				fmt.Sprintf("complexity %d outside [%d,%d]", in.Complexity, models.MinComplexity, models.MaxComplexity), nil)
		}
		if in.Type != "" && !models.SortieType(in.Type).Valid() {
			addErr(services.CodeInvalidEnum, field+".type", fmt.Sprintf("unknown type %q", in.Type), nil)
		}
		for _, d := range in.Dependencies {
			if d < 0 || d >= i {
				addErr(services.CodeInvalidDependency, field+".dependencies",
					fmt.Sprintf("dependency %d must reference a strictly smaller index than %d", d, i),
					map[string]any{"dependency": d, "sortie_index": i})
			}
		}
		for _, entry := range in.Files {
			p, isNew := models.ParseFileEntry(entry)
			if isNew {
				// Newly created files cannot collide with existing work.
				continue
			}
			canonical := locks.Canonicalize(p)
			if other, dup := seenFiles[canonical]; dup {
				addErr(services.CodeFileOverlap, field+".files",
					fmt.Sprintf("file %s already claimed by sortie %d", canonical, other),
					map[string]any{"file": canonical, "sorties": []int{other, i}})
				continue
			}
			seenFiles[canonical] = i
		}
	}

	if len(errs) > 0 {
		return &services.ValidationErrors{Errors: errs}
	}
	return nil
}

// canonicalFiles canonicalizes each entry while preserving the new: marker.
func canonicalFiles(entries []string) []string {
	out := make([]string, len(entries))
	for i, entry := range entries {
		p, isNew := models.ParseFileEntry(entry)
		canonical := locks.Canonicalize(p)
		if isNew {
			out[i] = models.NewFilePrefix + canonical
		} else {
			out[i] = canonical
		}
	}
	return out
}

func emptyIfNil(deps []int) []int {
	if deps == nil {
		return []int{}
	}
	return deps
}

func nullableInt64(v int64) any {
	if v <= 0 {
		return nil
	}
	return v
}
