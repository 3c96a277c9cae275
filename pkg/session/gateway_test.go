package session_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wisbric/instancer/internal/auth"
	"github.com/wisbric/instancer/internal/config"
	"github.com/wisbric/instancer/internal/platform"
	"github.com/wisbric/instancer/pkg/catalog"
	"github.com/wisbric/instancer/pkg/deploy"
	"github.com/wisbric/instancer/pkg/instance"
	"github.com/wisbric/instancer/pkg/session"
	"github.com/wisbric/instancer/pkg/user"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := platform.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := platform.RunMigrations(db); err != nil {
		t.Fatalf("running migrations: %v", err)
	}
	return db
}

type fixture struct {
	db    *sql.DB
	store *instance.Store
	pool  *deploy.Pool
	conn  *websocket.Conn
}

// newFixture stands up the database, a two-challenge catalog backed by a
// well-behaved deployer script, a running pool, and one websocket session
// authenticated as u1.
func newFixture(t *testing.T, maxConcurrent uint32, rateEvery time.Duration) *fixture {
	t.Helper()

	db := newTestDB(t)
	if err := user.NewStore(db).Insert(context.Background(), user.User{
		ID: "u1", Username: "u1", DisplayName: "User One", CreationTime: time.Now(),
	}); err != nil {
		t.Fatalf("seeding user: %v", err)
	}

	script := filepath.Join(t.TempDir(), "deployer.sh")
	if err := os.WriteFile(script, []byte(`#!/bin/sh
case "$1" in
start) echo "$ conn=tcp://h:1337" ;;
esac
`), 0o755); err != nil {
		t.Fatalf("writing script: %v", err)
	}

	desc := "First challenge"
	cfg := &config.Config{
		Deployers: map[string]config.Deployer{"d": {Path: script}},
		Challenges: map[string]config.ChallengeConfig{
			"c1": {Name: "One", Description: &desc, TTL: "10m", Deployer: "d"},
			"c2": {Name: "Two", TTL: "10m", Deployer: "d"},
		},
	}
	cat, err := catalog.Load(cfg, testLogger())
	if err != nil {
		t.Fatalf("loading catalog: %v", err)
	}

	messages := config.Messages{
		Started:       "Challenge %s has been started.",
		StartFailed:   "Challenge %s could not be started.",
		Stopped:       "Challenge %s has been stopped.",
		StopFailed:    "Challenge %s could not be stopped.",
		Restarted:     "Challenge %s has been restarted.",
		RestartFailed: "Challenge %s could not be restarted.",
		CleanedUp:     "Challenge %s has been cleaned up.",
		Extended:      "The deadline of challenge %s has been extended.",
		LimitReached:  "You may run at most %d challenges at once.",
		RateLimited:   "Please wait %d seconds.",
	}

	store := instance.NewStore(db)
	pool := deploy.NewPool(1,
		deploy.NewQueue(), deploy.NewExpiryQueue(), deploy.NewBus(),
		store, cat, deploy.NewDeployer(testLogger()), messages, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	poolDone := make(chan error, 1)
	go func() { poolDone <- pool.Run(ctx) }()

	gw := session.NewGateway(store, cat, pool, session.NewLimiters(rateEvery, 1),
		maxConcurrent, messages, ctx, testLogger())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gw.HandleWS(w, r.WithContext(auth.WithUserID(r.Context(), "u1")))
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing websocket: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
		srv.Close()
		cancel()
		select {
		case <-poolDone:
		case <-time.After(5 * time.Second):
			t.Error("pool did not drain")
		}
	})

	return &fixture{db: db, store: store, pool: pool, conn: conn}
}

// readFrame decodes the next frame into a generic map.
func (f *fixture) readFrame(t *testing.T) map[string]any {
	t.Helper()
	f.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := f.conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decoding frame %q: %v", data, err)
	}
	return msg
}

// readUntil reads frames until one satisfies the predicate.
func (f *fixture) readUntil(t *testing.T, what string, pred func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg := f.readFrame(t)
		if pred(msg) {
			return msg
		}
	}
	t.Fatalf("timed out waiting for %s", what)
	return nil
}

func (f *fixture) sendAction(t *testing.T, id, action string) {
	t.Helper()
	err := f.conn.WriteJSON(map[string]string{
		"type": "challenge_action", "id": id, "action": action,
	})
	if err != nil {
		t.Fatalf("sending action: %v", err)
	}
}

func TestSessionListingOnConnect(t *testing.T) {
	f := newFixture(t, 3, time.Millisecond)

	msg := f.readFrame(t)
	if msg["type"] != "challenge_listing" {
		t.Fatalf("first frame type = %v, want challenge_listing", msg["type"])
	}
	challenges, ok := msg["challenges"].(map[string]any)
	if !ok || len(challenges) != 2 {
		t.Fatalf("challenges = %v", msg["challenges"])
	}
	c1 := challenges["c1"].(map[string]any)
	if c1["state"] != "stopped" {
		t.Errorf("c1.state = %v, want stopped", c1["state"])
	}
	if c1["name"] != "One" || c1["description"] != "First challenge" {
		t.Errorf("c1 = %v", c1)
	}
}

func TestSessionHeartbeat(t *testing.T) {
	f := newFixture(t, 3, time.Millisecond)
	f.readFrame(t) // listing

	if err := f.conn.WriteJSON(map[string]string{"type": "heartbeat"}); err != nil {
		t.Fatalf("sending heartbeat: %v", err)
	}
	msg := f.readUntil(t, "heartbeat", func(m map[string]any) bool {
		return m["type"] == "heartbeat"
	})
	if msg == nil {
		t.Fatal("no heartbeat reply")
	}
}

func TestSessionStartFlow(t *testing.T) {
	f := newFixture(t, 3, time.Millisecond)
	f.readFrame(t) // listing

	f.sendAction(t, "c1", "start")

	// Immediate acknowledgement from the gateway itself.
	msg := f.readUntil(t, "queued_start", func(m map[string]any) bool {
		return m["type"] == "challenge_state_change" && m["state"] == "queued_start"
	})
	if msg["id"] != "c1" {
		t.Errorf("id = %v", msg["id"])
	}

	// Worker broadcasts the running state with connection details.
	msg = f.readUntil(t, "running", func(m map[string]any) bool {
		return m["type"] == "challenge_state_change" && m["state"] == "running"
	})
	if msg["details"] != "conn=tcp://h:1337" {
		t.Errorf("details = %v", msg["details"])
	}
	if _, ok := msg["stop_time"].(float64); !ok {
		t.Errorf("stop_time = %v", msg["stop_time"])
	}

	msg = f.readUntil(t, "success message", func(m map[string]any) bool {
		return m["type"] == "message"
	})
	if msg["severity"] != "success" || !strings.Contains(msg["contents"].(string), "One") {
		t.Errorf("message = %v", msg)
	}
}

func TestSessionConcurrencyLimit(t *testing.T) {
	f := newFixture(t, 1, time.Millisecond)
	f.readFrame(t) // listing

	f.sendAction(t, "c1", "start")
	f.readUntil(t, "running", func(m map[string]any) bool {
		return m["type"] == "challenge_state_change" && m["state"] == "running"
	})

	f.sendAction(t, "c2", "start")
	msg := f.readUntil(t, "limit warning", func(m map[string]any) bool {
		return m["type"] == "message" && m["id"] == "c2"
	})
	if msg["severity"] != "warning" || !strings.Contains(msg["contents"].(string), "1") {
		t.Errorf("message = %v", msg)
	}

	// No c2 row was created.
	instances, err := f.store.ListUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ListUser: %v", err)
	}
	if len(instances) != 1 || instances[0].ChallengeID != "c1" {
		t.Errorf("instances = %+v", instances)
	}
}

func TestSessionRateLimit(t *testing.T) {
	f := newFixture(t, 3, 2*time.Second)
	f.readFrame(t) // listing

	f.sendAction(t, "c1", "start")
	f.sendAction(t, "c2", "start")

	msg := f.readUntil(t, "rate limit warning", func(m map[string]any) bool {
		return m["type"] == "message" && m["id"] == "c2"
	})
	if msg["severity"] != "warning" || !strings.Contains(msg["contents"].(string), "wait") {
		t.Errorf("message = %v", msg)
	}

	// The denied action left no trace: only c1 was inserted.
	instances, err := f.store.ListUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ListUser: %v", err)
	}
	if len(instances) != 1 || instances[0].ChallengeID != "c1" {
		t.Errorf("instances = %+v", instances)
	}
}

func TestSessionUnknownChallengeCloses(t *testing.T) {
	f := newFixture(t, 3, time.Millisecond)
	f.readFrame(t) // listing

	f.sendAction(t, "no-such-challenge", "start")

	f.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := f.conn.ReadMessage(); err != nil {
			return // session closed as required
		}
	}
}

func TestSessionMalformedFrameCloses(t *testing.T) {
	f := newFixture(t, 3, time.Millisecond)
	f.readFrame(t) // listing

	if err := f.conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("writing frame: %v", err)
	}

	f.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := f.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestSessionExtend(t *testing.T) {
	f := newFixture(t, 3, time.Millisecond)
	f.readFrame(t) // listing

	f.sendAction(t, "c1", "start")
	running := f.readUntil(t, "running", func(m map[string]any) bool {
		return m["type"] == "challenge_state_change" && m["state"] == "running"
	})
	firstStop := int64(running["stop_time"].(float64))

	f.sendAction(t, "c1", "extend")
	extended := f.readUntil(t, "extended state change", func(m map[string]any) bool {
		if m["type"] != "challenge_state_change" || m["state"] != "running" {
			return false
		}
		ms, ok := m["stop_time"].(float64)
		return ok && int64(ms) >= firstStop
	})

	newStop := int64(extended["stop_time"].(float64))
	inst, err := f.store.ListUser(context.Background(), "u1")
	if err != nil || len(inst) != 1 {
		t.Fatalf("ListUser = %v, %v", inst, err)
	}
	if inst[0].StopTime == nil || inst[0].StopTime.UnixMilli() != newStop {
		t.Errorf("persisted stop_time = %v, wire said %d", inst[0].StopTime, newStop)
	}

	msg := f.readUntil(t, "extend success message", func(m map[string]any) bool {
		return m["type"] == "message" && m["id"] == "c1" && m["severity"] == "success" &&
			strings.Contains(m["contents"].(string), "extended")
	})
	_ = msg
}
