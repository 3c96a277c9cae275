package instance_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/wisbric/instancer/internal/platform"
	"github.com/wisbric/instancer/pkg/instance"
	"github.com/wisbric/instancer/pkg/user"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	db, err := platform.OpenSQLite(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := platform.RunMigrations(db); err != nil {
		t.Fatalf("running migrations: %v", err)
	}
	return db
}

func seedUser(t *testing.T, db *sql.DB, id string) {
	t.Helper()
	users := user.NewStore(db)
	err := users.Insert(context.Background(), user.User{
		ID:           id,
		Username:     id,
		DisplayName:  id,
		Avatar:       "",
		CreationTime: time.Now(),
	})
	if err != nil {
		t.Fatalf("seeding user %s: %v", id, err)
	}
}

func mustCount(t *testing.T, db *sql.DB, userID string) uint32 {
	t.Helper()
	n, err := user.NewStore(db).InstanceCount(context.Background(), userID)
	if err != nil {
		t.Fatalf("fetching instance count: %v", err)
	}
	return n
}

func TestInsert(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seedUser(t, db, "u1")
	store := instance.NewStore(db)

	res, err := store.Insert(ctx, "u1", "c1", instance.StateQueuedStart, 2)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if res != instance.Inserted {
		t.Fatalf("Insert = %s, want inserted", res)
	}
	if got := mustCount(t, db, "u1"); got != 1 {
		t.Errorf("instance_count = %d, want 1", got)
	}

	// Same key again: row exists, count must not move.
	res, err = store.Insert(ctx, "u1", "c1", instance.StateQueuedStart, 2)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if res != instance.AlreadyExists {
		t.Fatalf("Insert = %s, want already_exists", res)
	}
	if got := mustCount(t, db, "u1"); got != 1 {
		t.Errorf("instance_count = %d after duplicate insert, want 1", got)
	}

	// Second challenge fills the limit.
	if res, _ = store.Insert(ctx, "u1", "c2", instance.StateQueuedStart, 2); res != instance.Inserted {
		t.Fatalf("Insert c2 = %s, want inserted", res)
	}

	// Third is refused and leaves no trace.
	res, err = store.Insert(ctx, "u1", "c3", instance.StateQueuedStart, 2)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if res != instance.LimitReached {
		t.Fatalf("Insert = %s, want limit_reached", res)
	}
	if got := mustCount(t, db, "u1"); got != 2 {
		t.Errorf("instance_count = %d after refused insert, want 2", got)
	}
	instances, err := store.ListUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ListUser: %v", err)
	}
	if len(instances) != 2 {
		t.Errorf("len(instances) = %d, want 2", len(instances))
	}
}

func TestInsertUnknownUser(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store := instance.NewStore(db)

	res, err := store.Insert(ctx, "ghost", "c1", instance.StateQueuedStart, 3)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if res != instance.LimitReached {
		t.Errorf("Insert for unknown user = %s, want limit_reached", res)
	}
}

func TestTransitionState(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seedUser(t, db, "u1")
	store := instance.NewStore(db)

	if _, err := store.Insert(ctx, "u1", "c1", instance.StateQueuedStart, 3); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	ok, err := store.TransitionState(ctx, "u1", "c1", instance.StateQueuedStart, instance.StateQueuedStop)
	if err != nil {
		t.Fatalf("TransitionState: %v", err)
	}
	if !ok {
		t.Fatal("TransitionState from matching state = false, want true")
	}

	// The pre-state no longer matches; a second caller must lose the race.
	ok, err = store.TransitionState(ctx, "u1", "c1", instance.StateQueuedStart, instance.StateQueuedStop)
	if err != nil {
		t.Fatalf("TransitionState: %v", err)
	}
	if ok {
		t.Fatal("TransitionState from stale state = true, want false")
	}

	// Absent row never transitions.
	ok, err = store.TransitionState(ctx, "u1", "nope", instance.StateRunning, instance.StateQueuedStop)
	if err != nil {
		t.Fatalf("TransitionState: %v", err)
	}
	if ok {
		t.Fatal("TransitionState on missing row = true, want false")
	}
}

func TestPopulateRunningInvariant(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seedUser(t, db, "u1")
	store := instance.NewStore(db)

	if _, err := store.Insert(ctx, "u1", "c1", instance.StateQueuedStart, 3); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	instances, err := store.ListUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ListUser: %v", err)
	}
	if instances[0].Details != nil || instances[0].StopTime != nil {
		t.Error("transient instance has details or stop_time set")
	}

	stop := time.Now().Add(10 * time.Minute).Truncate(time.Millisecond)
	if err := store.PopulateRunning(ctx, "u1", "c1", "host=1.2.3.4", stop); err != nil {
		t.Fatalf("PopulateRunning: %v", err)
	}

	instances, err = store.ListUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ListUser: %v", err)
	}
	got := instances[0]
	if got.State != instance.StateRunning {
		t.Errorf("state = %s, want running", got.State)
	}
	if got.Details == nil || *got.Details != "host=1.2.3.4" {
		t.Errorf("details = %v, want host=1.2.3.4", got.Details)
	}
	if got.StopTime == nil || !got.StopTime.Equal(stop) {
		t.Errorf("stop_time = %v, want %v", got.StopTime, stop)
	}
}

func TestExtend(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seedUser(t, db, "u1")
	store := instance.NewStore(db)

	if _, err := store.Insert(ctx, "u1", "c1", instance.StateQueuedStart, 3); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// Not running yet: extension must refuse.
	ok, err := store.Extend(ctx, "u1", "c1", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if ok {
		t.Fatal("Extend on queued instance = true, want false")
	}

	if err := store.PopulateRunning(ctx, "u1", "c1", "d", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("PopulateRunning: %v", err)
	}

	newStop := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	ok, err = store.Extend(ctx, "u1", "c1", newStop)
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if !ok {
		t.Fatal("Extend on running instance = false, want true")
	}

	instances, _ := store.ListUser(ctx, "u1")
	if instances[0].StopTime == nil || !instances[0].StopTime.Equal(newStop) {
		t.Errorf("stop_time = %v, want %v", instances[0].StopTime, newStop)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seedUser(t, db, "u1")
	store := instance.NewStore(db)

	if _, err := store.Insert(ctx, "u1", "c1", instance.StateQueuedStart, 3); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if got := mustCount(t, db, "u1"); got != 1 {
		t.Fatalf("instance_count = %d, want 1", got)
	}

	removed, err := store.Delete(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !removed {
		t.Error("Delete = false, want true")
	}
	if got := mustCount(t, db, "u1"); got != 0 {
		t.Errorf("instance_count = %d after delete, want 0", got)
	}

	// Deleting again must not drive the counter negative.
	removed, err = store.Delete(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("Delete (second): %v", err)
	}
	if removed {
		t.Error("second Delete = true, want false")
	}
	if got := mustCount(t, db, "u1"); got != 0 {
		t.Errorf("instance_count = %d after second delete, want 0", got)
	}
}

func TestGet(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seedUser(t, db, "u1")
	store := instance.NewStore(db)

	inst, err := store.Get(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if inst != nil {
		t.Errorf("Get on missing row = %+v, want nil", inst)
	}

	if _, err := store.Insert(ctx, "u1", "c1", instance.StateQueuedStart, 3); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	stop := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	if err := store.PopulateRunning(ctx, "u1", "c1", "d", stop); err != nil {
		t.Fatalf("PopulateRunning: %v", err)
	}

	inst, err = store.Get(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if inst == nil {
		t.Fatal("Get = nil")
	}
	if inst.State != instance.StateRunning || inst.StopTime == nil || !inst.StopTime.Equal(stop) {
		t.Errorf("instance = %+v", inst)
	}
}

func TestListAll(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seedUser(t, db, "u1")
	seedUser(t, db, "u2")
	store := instance.NewStore(db)

	for _, key := range []struct{ u, c string }{{"u1", "c1"}, {"u1", "c2"}, {"u2", "c1"}} {
		if _, err := store.Insert(ctx, key.u, key.c, instance.StateQueuedStart, 10); err != nil {
			t.Fatalf("Insert %s/%s: %v", key.u, key.c, err)
		}
	}

	all, err := store.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("len(ListAll) = %d, want 3", len(all))
	}

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Errorf("Count = %d, want 3", n)
	}
}
