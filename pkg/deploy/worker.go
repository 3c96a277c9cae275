package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wisbric/instancer/internal/config"
	"github.com/wisbric/instancer/internal/telemetry"
	"github.com/wisbric/instancer/pkg/catalog"
	"github.com/wisbric/instancer/pkg/instance"
)

// idleSweepInterval bounds how long a worker sleeps when the expiry queue
// is empty.
const idleSweepInterval = time.Minute

// Notifier alerts operators about conditions that need manual
// intervention. Implementations must be safe for concurrent use.
type Notifier interface {
	NotifyFatal(ctx context.Context, text string)
}

// Pool is a fixed set of workers cooperatively draining the request queue.
// Each worker also sweeps the expiry queue, turning elapsed TTLs into stop
// requests. There is no per-user serialization beyond the store's
// compare-and-swap: two workers may race on a key, and exactly one wins
// each transition.
type Pool struct {
	workers  int
	queue    *Queue
	expiry   *ExpiryQueue
	bus      *Bus
	store    *instance.Store
	catalog  *catalog.Catalog
	deployer *Deployer
	messages config.Messages
	notifier Notifier
	logger   *slog.Logger
}

// NewPool creates a worker pool. workers must be at least 1. notifier may
// be nil.
func NewPool(
	workers int,
	queue *Queue,
	expiry *ExpiryQueue,
	bus *Bus,
	store *instance.Store,
	cat *catalog.Catalog,
	deployer *Deployer,
	messages config.Messages,
	notifier Notifier,
	logger *slog.Logger,
) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		workers:  workers,
		queue:    queue,
		expiry:   expiry,
		bus:      bus,
		store:    store,
		catalog:  cat,
		deployer: deployer,
		messages: messages,
		notifier: notifier,
		logger:   logger,
	}
}

// Queue returns the pool's request queue.
func (p *Pool) Queue() *Queue { return p.queue }

// Expiry returns the pool's expiry queue.
func (p *Pool) Expiry() *ExpiryQueue { return p.expiry }

// Bus returns the pool's update bus.
func (p *Pool) Bus() *Bus { return p.bus }

// Run starts the workers and blocks until they all exit. Cancelling ctx
// begins shutdown: workers keep draining the request queue (pending
// cleanups and user-initiated stops must complete) and exit once it is
// empty. A worker returning an error aborts the whole pool.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error { return p.runWorker(gctx, i) })
	}
	return g.Wait()
}

func (p *Pool) runWorker(ctx context.Context, id int) error {
	logger := p.logger.With("worker", id)
	logger.Debug("worker started")

	// Store and script operations outlive shutdown: a request already
	// dequeued must finish even after ctx is cancelled.
	opCtx := context.Background()

	timer := time.NewTimer(idleSweepInterval)
	defer timer.Stop()

	for {
		sleep, err := p.sweepExpiries(opCtx)
		if err != nil {
			return err
		}

		if req, ok := p.queue.TryPop(); ok {
			if err := p.handle(opCtx, logger, req); err != nil {
				return err
			}
			continue
		}

		// Queue drained; leave once shutdown is underway.
		if ctx.Err() != nil {
			logger.Debug("worker draining complete")
			return nil
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(sleep)

		select {
		case <-ctx.Done():
		case <-timer.C:
		case <-p.queue.Wait():
		}
	}
}

// sweepExpiries turns every elapsed expiry entry into a queued stop. Only
// the worker whose compare-and-swap succeeds enqueues; a concurrent user
// stop on the same key loses or wins the same race. Returns how long the
// caller may sleep before the next entry is due.
func (p *Pool) sweepExpiries(ctx context.Context) (time.Duration, error) {
	now := time.Now()
	for _, e := range p.expiry.PopExpired(now) {
		ok, err := p.store.TransitionState(ctx, e.UserID, e.ChallengeID, instance.StateRunning, instance.StateQueuedStop)
		if err != nil {
			return 0, fmt.Errorf("queueing expired instance %s/%s: %w", e.UserID, e.ChallengeID, err)
		}
		if !ok {
			continue
		}
		telemetry.ExpiryReapsTotal.Inc()
		p.queue.Push(Request{UserID: e.UserID, ChallengeID: e.ChallengeID, Command: CommandStop})
		p.bus.Publish(NewStateChange(e.UserID, e.ChallengeID, instance.StateQueuedStop, nil, nil))
	}

	sleep := idleSweepInterval
	if next, ok := p.expiry.Peek(); ok {
		if until := time.Until(next.StopTime); until < sleep {
			sleep = until
		}
		if sleep < 0 {
			sleep = 0
		}
	}
	return sleep, nil
}

func (p *Pool) handle(ctx context.Context, logger *slog.Logger, req Request) error {
	ch := p.catalog.Get(req.ChallengeID)
	if ch == nil {
		logger.Debug("dropping request for unknown challenge",
			"challenge", req.ChallengeID, "user", req.UserID)
		return nil
	}

	switch req.Command {
	case CommandStart:
		return p.handleStart(ctx, logger, ch, req)
	case CommandStop:
		return p.handleStop(ctx, logger, ch, req)
	case CommandRestart:
		return p.handleRestart(ctx, logger, ch, req)
	case CommandCleanup:
		return p.handleCleanup(ctx, logger, ch, req)
	}
	return fmt.Errorf("unknown command %v", req.Command)
}

func (p *Pool) handleStart(ctx context.Context, logger *slog.Logger, ch *catalog.Challenge, req Request) error {
	details, err := p.deployer.Run(ch, req.UserID, ActionStart)
	if err != nil {
		logger.Error("couldn't start challenge", "challenge", ch.ID, "user", req.UserID, "error", err)
		p.queue.Push(Request{UserID: req.UserID, ChallengeID: req.ChallengeID, Command: CommandCleanup})
		p.bus.Publish(NewStateChange(req.UserID, req.ChallengeID, instance.StateQueuedStart, nil, nil))
		p.bus.Publish(NewMessage(req.UserID, req.ChallengeID,
			fmt.Sprintf(p.messages.StartFailed, ch.Name), SeverityError))
		return nil
	}

	stopTime := time.Now().Add(ch.TTLDuration())
	p.expiry.Push(req.UserID, req.ChallengeID, stopTime)
	if err := p.store.PopulateRunning(ctx, req.UserID, req.ChallengeID, details, stopTime); err != nil {
		return err
	}

	logger.Info("started challenge", "challenge", ch.ID, "user", req.UserID)
	p.bus.Publish(NewStateChange(req.UserID, req.ChallengeID, instance.StateRunning, &details, &stopTime))
	p.bus.Publish(NewMessage(req.UserID, req.ChallengeID,
		fmt.Sprintf(p.messages.Started, ch.Name), SeveritySuccess))
	return nil
}

func (p *Pool) handleStop(ctx context.Context, logger *slog.Logger, ch *catalog.Challenge, req Request) error {
	if _, err := p.deployer.Run(ch, req.UserID, ActionStop); err != nil {
		logger.Error("couldn't stop challenge", "challenge", ch.ID, "user", req.UserID, "error", err)
		p.queue.Push(Request{UserID: req.UserID, ChallengeID: req.ChallengeID, Command: CommandCleanup})
		p.bus.Publish(NewStateChange(req.UserID, req.ChallengeID, instance.StateQueuedStop, nil, nil))
		p.bus.Publish(NewMessage(req.UserID, req.ChallengeID,
			fmt.Sprintf(p.messages.StopFailed, ch.Name), SeverityError))
		return nil
	}

	if err := p.removeInstance(ctx, req); err != nil {
		return err
	}

	logger.Info("stopped challenge", "challenge", ch.ID, "user", req.UserID)
	p.bus.Publish(NewStateChange(req.UserID, req.ChallengeID, instance.StateStopped, nil, nil))
	p.bus.Publish(NewMessage(req.UserID, req.ChallengeID,
		fmt.Sprintf(p.messages.Stopped, ch.Name), SeveritySuccess))
	return nil
}

func (p *Pool) handleRestart(ctx context.Context, logger *slog.Logger, ch *catalog.Challenge, req Request) error {
	if _, err := p.deployer.Run(ch, req.UserID, ActionRestart); err != nil {
		logger.Error("couldn't restart challenge", "challenge", ch.ID, "user", req.UserID, "error", err)
		p.queue.Push(Request{UserID: req.UserID, ChallengeID: req.ChallengeID, Command: CommandCleanup})
		p.bus.Publish(NewStateChange(req.UserID, req.ChallengeID, instance.StateQueuedRestart, nil, nil))
		p.bus.Publish(NewMessage(req.UserID, req.ChallengeID,
			fmt.Sprintf(p.messages.RestartFailed, ch.Name), SeverityError))
		return nil
	}

	// Details and stop time are untouched; the instance keeps its original
	// deadline.
	inst, err := p.store.Get(ctx, req.UserID, req.ChallengeID)
	if err != nil {
		return err
	}
	if err := p.store.SetState(ctx, req.UserID, req.ChallengeID, instance.StateRunning); err != nil {
		return err
	}
	// Re-arm the expiry from the row, after the state is Running again: a
	// sweep that fired while the restart script ran loses its CAS against
	// queued_restart and discards the heap entry, so the deadline must be
	// scheduled again.
	if inst != nil && inst.StopTime != nil {
		p.expiry.Push(req.UserID, req.ChallengeID, *inst.StopTime)
	}

	logger.Info("restarted challenge", "challenge", ch.ID, "user", req.UserID)
	p.bus.Publish(NewStateChange(req.UserID, req.ChallengeID, instance.StateRunning, nil, nil))
	p.bus.Publish(NewMessage(req.UserID, req.ChallengeID,
		fmt.Sprintf(p.messages.Restarted, ch.Name), SeveritySuccess))
	return nil
}

func (p *Pool) handleCleanup(ctx context.Context, logger *slog.Logger, ch *catalog.Challenge, req Request) error {
	if _, err := p.deployer.Run(ch, req.UserID, ActionCleanup); err != nil {
		// An instance that cleanup cannot reclaim needs operator hands;
		// running on is worse than stopping.
		if p.notifier != nil {
			p.notifier.NotifyFatal(ctx, fmt.Sprintf(
				"cleanup failed for challenge %s, user %s: %v — manual intervention required",
				ch.ID, req.UserID, err))
		}
		return fmt.Errorf("cleanup failed for %s/%s: %w", req.UserID, req.ChallengeID, err)
	}

	if err := p.removeInstance(ctx, req); err != nil {
		return err
	}

	logger.Info("cleaned up challenge", "challenge", ch.ID, "user", req.UserID)
	p.bus.Publish(NewStateChange(req.UserID, req.ChallengeID, instance.StateStopped, nil, nil))
	p.bus.Publish(NewMessage(req.UserID, req.ChallengeID,
		fmt.Sprintf(p.messages.CleanedUp, ch.Name), SeverityInfo))
	return nil
}

func (p *Pool) removeInstance(ctx context.Context, req Request) error {
	p.expiry.PopKey(req.UserID, req.ChallengeID)
	removed, err := p.store.Delete(ctx, req.UserID, req.ChallengeID)
	if err != nil {
		return err
	}
	if removed {
		telemetry.ActiveInstances.Dec()
	}
	return nil
}
