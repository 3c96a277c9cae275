package deploy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wisbric/instancer/internal/telemetry"
	"github.com/wisbric/instancer/pkg/instance"
)

// Recover reconciles persisted state with reality after a restart. It must
// run before any worker starts. Transient rows can only exist because the
// previous process died mid-action, so each gets a cleanup request; running
// rows completed their start script, so their deadlines are re-armed in the
// expiry queue. Recovery is idempotent.
func Recover(ctx context.Context, store *instance.Store, queue *Queue, expiry *ExpiryQueue, logger *slog.Logger) error {
	instances, err := store.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("listing instances for recovery: %w", err)
	}

	recovered, cleanups := 0, 0
	for _, inst := range instances {
		switch {
		case inst.State.IsQueued():
			queue.Push(Request{UserID: inst.UserID, ChallengeID: inst.ChallengeID, Command: CommandCleanup})
			cleanups++
		case inst.State == instance.StateRunning:
			if inst.StopTime == nil {
				return fmt.Errorf("running instance %s/%s has no stop time", inst.UserID, inst.ChallengeID)
			}
			expiry.Push(inst.UserID, inst.ChallengeID, *inst.StopTime)
			recovered++
		default:
			return fmt.Errorf("illegal persisted state %q for instance %s/%s", inst.State, inst.UserID, inst.ChallengeID)
		}
	}

	telemetry.ActiveInstances.Set(float64(len(instances)))
	logger.Info("recovery complete",
		"running", recovered,
		"cleanups_enqueued", cleanups,
	)
	return nil
}
