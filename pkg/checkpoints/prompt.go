package checkpoints

import (
	"fmt"
	"strings"
	"time"

	"github.com/fleettools/squawk/pkg/models"
)

// FormatPrompt renders a checkpoint's recovery context as the markdown
// prompt injected into a resuming agent.
func FormatPrompt(cp *models.Checkpoint) string {
	rc := cp.RecoveryContext
	var b strings.Builder

	b.WriteString("## Recovery Context\n\n")
	fmt.Fprintf(&b, "**Mission**: %s\n", rc.MissionSummary)
	fmt.Fprintf(&b, "**Progress**: %.0f%% complete\n", cp.ProgressPercent)
	if rc.LastAction != "" {
		fmt.Fprintf(&b, "**Last action**: %s\n", rc.LastAction)
	}
	if rc.ElapsedTimeMS > 0 {
		fmt.Fprintf(&b, "**Elapsed**: %s\n", formatElapsed(rc.ElapsedTimeMS))
	}

	if len(rc.NextSteps) > 0 {
		b.WriteString("\n### Next Steps\n")
		for _, step := range rc.NextSteps {
			fmt.Fprintf(&b, "- %s\n", step)
		}
	}
	if len(rc.Blockers) > 0 {
		b.WriteString("\n### Blockers\n")
		for _, blocker := range rc.Blockers {
			fmt.Fprintf(&b, "- %s\n", blocker)
		}
	}
	if len(rc.FilesModified) > 0 {
		b.WriteString("\n### Files Modified\n")
		for _, f := range rc.FilesModified {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	return b.String()
}

// describeEvent renders an event as the prompt's last-action line, using the
// decoded payload where the type tag is registered. Unregistered tags fall
// back to the raw tag.
func describeEvent(ev *models.Event) string {
	payload, err := models.DecodeEventData(ev.EventType, ev.Data)
	if err != nil {
		return ev.EventType
	}
	switch p := payload.(type) {
	case *models.MissionCreatedPayload:
		return fmt.Sprintf("mission created with %d sorties", p.TotalSorties)
	case *models.MissionStatusChangedPayload:
		return fmt.Sprintf("mission went %s -> %s", p.From, p.To)
	case *models.SortieCreatedPayload:
		return fmt.Sprintf("sortie %s planned", p.SortieID)
	case *models.SortieStatusChangedPayload:
		return fmt.Sprintf("sortie %s went %s -> %s", p.SortieID, p.From, p.To)
	case *models.SpecialistSpawnedPayload:
		return fmt.Sprintf("specialist %s spawned for sortie %s", p.SpecialistID, p.SortieID)
	case *models.SpecialistRegisteredPayload:
		return fmt.Sprintf("specialist %s registered", p.SpecialistID)
	case *models.BlockerHandledPayload:
		return fmt.Sprintf("blocker (%s) from %s resolved as %s", p.Kind, p.SpecialistID, p.Status)
	case *models.CheckpointCreatedPayload:
		return fmt.Sprintf("checkpoint %s taken (%s trigger)", p.CheckpointID, p.Trigger)
	case *models.ContextCompactedPayload:
		return "mission flagged stale, awaiting recovery"
	case *models.FleetRecoveredPayload:
		return fmt.Sprintf("fleet recovered from checkpoint %s", p.CheckpointID)
	default:
		return ev.EventType
	}
}

func formatElapsed(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
