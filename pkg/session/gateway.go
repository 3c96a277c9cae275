package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wisbric/instancer/internal/auth"
	"github.com/wisbric/instancer/internal/config"
	"github.com/wisbric/instancer/internal/telemetry"
	"github.com/wisbric/instancer/pkg/catalog"
	"github.com/wisbric/instancer/pkg/deploy"
	"github.com/wisbric/instancer/pkg/instance"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// outboundBuffer is the per-session send queue. A frame that does not fit
// is dropped rather than blocking the forwarder; the session stays open.
const outboundBuffer = 32

const writeTimeout = 10 * time.Second

// Gateway upgrades authenticated requests into live sessions and bridges
// them to the deployment orchestrator.
type Gateway struct {
	store         *instance.Store
	catalog       *catalog.Catalog
	pool          *deploy.Pool
	limiters      *Limiters
	maxConcurrent uint32
	messages      config.Messages
	shutdown      context.Context
	logger        *slog.Logger
}

// NewGateway creates a session gateway. shutdown is the process-wide run
// context: once it is cancelled, inbound actions are discarded.
func NewGateway(
	store *instance.Store,
	cat *catalog.Catalog,
	pool *deploy.Pool,
	limiters *Limiters,
	maxConcurrent uint32,
	messages config.Messages,
	shutdown context.Context,
	logger *slog.Logger,
) *Gateway {
	return &Gateway{
		store:         store,
		catalog:       cat,
		pool:          pool,
		limiters:      limiters,
		maxConcurrent: maxConcurrent,
		messages:      messages,
		shutdown:      shutdown,
		logger:        logger,
	}
}

// HandleWS upgrades the request and runs the session until either side
// closes. The request must have passed the auth middleware.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	s := &session{
		gateway:  g,
		userID:   userID,
		conn:     conn,
		outbound: make(chan any, outboundBuffer),
		logger:   g.logger.With("user", userID),
	}
	s.run()
}

type session struct {
	gateway  *Gateway
	userID   string
	conn     *websocket.Conn
	outbound chan any
	logger   *slog.Logger
}

func (s *session) run() {
	telemetry.LiveSessions.Inc()
	defer telemetry.LiveSessions.Dec()
	defer s.conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Subscribe before reading the store so no transition falls between
	// the listing snapshot and the live stream.
	sub := s.gateway.pool.Bus().Subscribe()
	defer sub.Close()

	listing, err := s.buildListing(ctx)
	if err != nil {
		s.logger.Error("building challenge listing", "error", err)
		return
	}

	// Single writer: gorilla connections allow one concurrent writer, so
	// every frame funnels through the outbound channel.
	writerDone := make(chan struct{})
	go s.writeLoop(ctx, writerDone)
	defer func() {
		cancel()
		<-writerDone
	}()

	// The listing must be the first frame; the forwarder only starts
	// draining buffered updates once it is enqueued.
	s.send(listing)
	go s.forwardUpdates(ctx, sub)

	s.readLoop(ctx)
}

// buildListing merges the catalog with the user's persisted instances.
func (s *session) buildListing(ctx context.Context) (challengeListing, error) {
	instances, err := s.gateway.store.ListUser(ctx, s.userID)
	if err != nil {
		return challengeListing{}, fmt.Errorf("listing user instances: %w", err)
	}
	byChallenge := make(map[string]instance.Instance, len(instances))
	for _, inst := range instances {
		byChallenge[inst.ChallengeID] = inst
	}

	challenges := make(map[string]ChallengePlayerState, s.gateway.catalog.Len())
	for _, ch := range s.gateway.catalog.All() {
		state := ChallengePlayerState{
			ID:          ch.ID,
			Name:        ch.Name,
			Description: ch.Description,
			State:       string(instance.StateStopped),
		}
		if inst, ok := byChallenge[ch.ID]; ok {
			state.State = string(inst.State)
			state.Details = inst.Details
			if inst.StopTime != nil {
				ms := instance.Millis(*inst.StopTime)
				state.StopTime = &ms
			}
		}
		challenges[ch.ID] = state
	}
	return newChallengeListing(challenges), nil
}

func (s *session) writeLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.outbound:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteJSON(msg); err != nil {
				s.logger.Debug("session write failed", "error", err)
				s.conn.Close()
				return
			}
		}
	}
}

// forwardUpdates relays bus updates belonging to this session's user.
func (s *session) forwardUpdates(ctx context.Context, sub *deploy.Subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-sub.Updates():
			if u.UserID != s.userID {
				continue
			}
			if msg := translateUpdate(u); msg != nil {
				s.send(msg)
			}
		}
	}
}

// send enqueues a frame, dropping it if the session cannot keep up.
func (s *session) send(msg any) {
	select {
	case s.outbound <- msg:
	default:
		telemetry.DroppedUpdatesTotal.Inc()
	}
}

func (s *session) readLoop(ctx context.Context) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := parseInbound(data)
		if err != nil {
			// Protocol violation: close without database effects.
			s.logger.Debug("closing session on protocol error", "error", err)
			return
		}

		switch msg.Type {
		case typeHeartbeat:
			s.send(newHeartbeat())
		case typeChallengeAction:
			if s.gateway.shutdown.Err() != nil {
				continue
			}
			if ok := s.handleAction(ctx, msg.ID, msg.Action); !ok {
				return
			}
		}
	}
}

// handleAction validates and dispatches one challenge action. It returns
// false when the session must close.
func (s *session) handleAction(ctx context.Context, challengeID string, action ClientAction) bool {
	ch := s.gateway.catalog.Get(challengeID)
	if ch == nil {
		s.logger.Debug("closing session: action on unknown challenge", "challenge", challengeID)
		return false
	}

	if allowed, retry := s.gateway.limiters.Allow(s.userID); !allowed {
		s.send(newUserMessage(challengeID,
			fmt.Sprintf(s.gateway.messages.RateLimited, retry), deploy.SeverityWarning))
		return true
	}

	var err error
	switch action {
	case ActionStart:
		err = s.dispatchStart(ctx, ch)
	case ActionStop:
		err = s.dispatchTransition(ctx, ch, instance.StateQueuedStop, deploy.CommandStop)
	case ActionRestart:
		err = s.dispatchTransition(ctx, ch, instance.StateQueuedRestart, deploy.CommandRestart)
	case ActionExtend:
		err = s.dispatchExtend(ctx, ch)
	}
	if err != nil {
		s.logger.Error("dispatching action", "challenge", challengeID, "action", string(action), "error", err)
		return false
	}
	return true
}

func (s *session) dispatchStart(ctx context.Context, ch *catalog.Challenge) error {
	res, err := s.gateway.store.Insert(ctx, s.userID, ch.ID, instance.StateQueuedStart, s.gateway.maxConcurrent)
	if err != nil {
		return err
	}

	switch res {
	case instance.Inserted:
		telemetry.ActiveInstances.Inc()
		s.gateway.pool.Queue().Push(deploy.Request{
			UserID:      s.userID,
			ChallengeID: ch.ID,
			Command:     deploy.CommandStart,
		})
		// Answer this session immediately; the worker's broadcasts follow.
		s.send(newStateChange(ch.ID, instance.StateQueuedStart, nil, nil))
	case instance.LimitReached:
		s.send(newUserMessage(ch.ID,
			fmt.Sprintf(s.gateway.messages.LimitReached, s.gateway.maxConcurrent), deploy.SeverityWarning))
	case instance.AlreadyExists:
		// An instance is already live or queued; nothing to do.
	}
	return nil
}

func (s *session) dispatchTransition(ctx context.Context, ch *catalog.Challenge, to instance.State, cmd deploy.Command) error {
	ok, err := s.gateway.store.TransitionState(ctx, s.userID, ch.ID, instance.StateRunning, to)
	if err != nil {
		return err
	}
	if !ok {
		// The instance is not running; whatever state it is in already
		// reflects an acceptable outcome.
		return nil
	}

	s.gateway.pool.Queue().Push(deploy.Request{
		UserID:      s.userID,
		ChallengeID: ch.ID,
		Command:     cmd,
	})
	s.send(newStateChange(ch.ID, to, nil, nil))
	return nil
}

func (s *session) dispatchExtend(ctx context.Context, ch *catalog.Challenge) error {
	newStop := time.Now().Add(ch.TTLDuration())
	ok, err := s.gateway.store.Extend(ctx, s.userID, ch.ID, newStop)
	if err != nil {
		return err
	}
	if !ok {
		// Not running (possibly a TTL stop won the race); nothing changes.
		return nil
	}

	s.gateway.pool.Expiry().Push(s.userID, ch.ID, newStop)
	s.send(newStateChange(ch.ID, instance.StateRunning, nil, &newStop))
	s.send(newUserMessage(ch.ID,
		fmt.Sprintf(s.gateway.messages.Extended, ch.Name), deploy.SeveritySuccess))
	return nil
}
