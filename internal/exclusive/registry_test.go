package exclusive

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/crucible/internal/ident"
	"github.com/jbweber/crucible/internal/metrics"
)

func newTestRegistry() *Registry {
	return NewRegistry(logr.Discard()).WithMetrics(metrics.New())
}

func newID() ident.Identity {
	return ident.New(uuid.New(), uuid.New())
}

func TestRegisterUnregister(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	id := newID()

	require.NoError(t, r.Register(ctx, id, Start, sessionA, "task-1"))
	assert.Equal(t, []Kind{Start}, r.Kinds(id))
	assert.Equal(t, []string{"task-1"}, r.TasksUnder(id))

	require.NoError(t, r.Unregister(id, Start, sessionA))
	assert.Empty(t, r.Kinds(id))
	assert.Nil(t, r.TasksUnder(id))
}

func TestRegisterUnknownKind(t *testing.T) {
	r := newTestRegistry()

	err := r.Register(context.Background(), newID(), Kind(0), sessionA, "")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

// Start blocks a restore until it is released.
func TestStartBlocksRestore(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	id := newID()

	require.NoError(t, r.Register(ctx, id, Start, sessionA, ""))

	err := r.Register(ctx, id, RestoreBackup, sessionB, "")
	var conflictErr *ConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, Start, conflictErr.Blocking)
	assert.Equal(t, RestoreBackup, conflictErr.Requested)
	assert.Equal(t, sessionA, conflictErr.BlockingSession)
	assert.Equal(t, CodeLockedForStart, conflictErr.Code)
	assert.Equal(t, []Kind{Start}, r.Kinds(id))

	require.NoError(t, r.Unregister(id, Start, sessionA))
	require.NoError(t, r.Register(ctx, id, RestoreBackup, sessionB, ""))
}

func TestSelfLockIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	id := newID()

	require.NoError(t, r.Register(ctx, id, Lock, sessionA, ""))
	require.NoError(t, r.Register(ctx, id, Lock, sessionA, ""))

	err := r.Register(ctx, id, Lock, sessionB, "")
	var conflictErr *ConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Equal(t, CodeExclusivelyLocked, conflictErr.Code)
	assert.Equal(t, sessionA, conflictErr.BlockingSession)
}

func TestLockRace(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	id := newID()

	sessions := []ident.Session{sessionA, sessionB}
	errs := make([]error, len(sessions))
	var wg sync.WaitGroup
	for i, s := range sessions {
		wg.Add(1)
		go func(i int, s ident.Session) {
			defer wg.Done()
			errs[i] = r.Register(ctx, id, Lock, s, "")
		}(i, s)
	}
	wg.Wait()

	var winner, loser int
	switch {
	case errs[0] == nil && errs[1] != nil:
		winner, loser = 0, 1
	case errs[1] == nil && errs[0] != nil:
		winner, loser = 1, 0
	default:
		t.Fatalf("expected exactly one winner, got %v and %v", errs[0], errs[1])
	}

	var conflictErr *ConflictError
	require.ErrorAs(t, errs[loser], &conflictErr)
	assert.Equal(t, Lock, conflictErr.Blocking)

	owner, ok := r.FindOwner(id, Lock)
	require.True(t, ok)
	assert.Equal(t, sessions[winner], owner)
	assert.Equal(t, owner, conflictErr.BlockingSession)
}

func TestUnregisterLockRequiresOwner(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	id := newID()

	require.NoError(t, r.Register(ctx, id, Lock, sessionA, ""))

	err := r.Unregister(id, Lock, sessionB)
	assert.ErrorIs(t, err, ErrNotLockOwner)
	owner, ok := r.FindOwner(id, Lock)
	assert.True(t, ok)
	assert.Equal(t, sessionA, owner)

	require.NoError(t, r.Unregister(id, Lock, sessionA))
	_, ok = r.FindOwner(id, Lock)
	assert.False(t, ok)
}

func TestUnregisterMissing(t *testing.T) {
	r := newTestRegistry()
	id := newID()

	assert.ErrorIs(t, r.Unregister(id, Start, sessionA), ErrNotRegistered)
	assert.ErrorIs(t, r.Unregister(id, Lock, sessionA), ErrNotLocked)
}

func TestUnregisterRemovesFirstMatch(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	id := newID()

	require.NoError(t, r.Register(ctx, id, EditCommit, sessionA, "first"))
	require.NoError(t, r.Register(ctx, id, EditCommit, sessionB, "second"))

	require.NoError(t, r.Unregister(id, EditCommit, sessionB))
	assert.Equal(t, []string{"second"}, r.TasksUnder(id))
}

func TestIndeterminateWaitsForRelease(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	id := newID()

	require.NoError(t, r.Register(ctx, id, EditWithRename, sessionA, ""))

	done := make(chan error, 1)
	go func() {
		done <- r.RegisterWithin(ctx, id, Delete, sessionB, "", 5*time.Second)
	}()

	select {
	case err := <-done:
		t.Fatalf("register returned before release: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, r.Unregister(id, EditWithRename, sessionA))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("register did not wake after release")
	}
	assert.Equal(t, []Kind{Delete}, r.Kinds(id))
}

func TestIndeterminateTimesOut(t *testing.T) {
	r := newTestRegistry()
	id := newID()

	require.NoError(t, r.Register(context.Background(), id, EditWithRename, sessionA, ""))

	start := time.Now()
	err := r.RegisterWithin(context.Background(), id, Delete, sessionB, "", 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrWouldBlock)
	assert.False(t, errors.Is(err, ErrConflict))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, []Kind{EditWithRename}, r.Kinds(id))
}

func TestIndeterminateTurnsIntoConflict(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	id := newID()

	require.NoError(t, r.Register(ctx, id, EditWithRename, sessionA, ""))

	done := make(chan error, 1)
	go func() {
		done <- r.RegisterWithin(ctx, id, Delete, sessionB, "", 5*time.Second)
	}()
	time.Sleep(20 * time.Millisecond)

	// A hard blocker shows up while the rename is still running.
	require.NoError(t, r.Register(ctx, id, Lock, sessionA, ""))
	require.NoError(t, r.Unregister(id, EditWithRename, sessionA))

	select {
	case err := <-done:
		var conflictErr *ConflictError
		require.ErrorAs(t, err, &conflictErr)
		assert.Equal(t, Lock, conflictErr.Blocking)
	case <-time.After(5 * time.Second):
		t.Fatal("register did not finish")
	}
}

func TestCancelledWaitLeavesNothingRegistered(t *testing.T) {
	r := newTestRegistry()
	id := newID()
	require.NoError(t, r.Register(context.Background(), id, EditWithRename, sessionA, ""))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.RegisterWithin(ctx, id, Delete, sessionB, "", time.Minute)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled register did not return")
	}
	assert.Equal(t, []Kind{EditWithRename}, r.Kinds(id))
}

func TestReplace(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	id := newID()

	require.NoError(t, r.Register(ctx, id, Delete, sessionA, "task-9"))
	require.NoError(t, r.Replace(ctx, id, Delete, EditCommit, sessionA))

	records := r.Records(id)
	require.Len(t, records, 1)
	assert.Equal(t, EditCommit, records[0].Kind)
	assert.Equal(t, "task-9", records[0].TaskID)

	// A start is admitted next to the narrowed edit.
	require.NoError(t, r.Register(ctx, id, Start, sessionB, ""))
}

func TestReplaceRejectedKeepsOriginal(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	id := newID()

	require.NoError(t, r.Register(ctx, id, Start, sessionA, ""))
	require.NoError(t, r.Register(ctx, id, EditCommit, sessionB, "edit"))

	err := r.Replace(ctx, id, EditCommit, RestoreBackup, sessionB)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, []Kind{Start, EditCommit}, r.Kinds(id))

	assert.ErrorIs(t, r.Replace(ctx, id, Delete, Start, sessionA), ErrNotRegistered)
}

func TestPurgeSession(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	id1, id2 := newID(), newID()

	require.NoError(t, r.Register(ctx, id1, Lock, sessionA, ""))
	require.NoError(t, r.Register(ctx, id1, Start, sessionA, ""))
	require.NoError(t, r.Register(ctx, id2, Lock, sessionA, ""))
	require.NoError(t, r.Register(ctx, id2, Lock, sessionA, ""))

	assert.Equal(t, 3, r.PurgeSession(sessionA))
	assert.Equal(t, []Kind{Start}, r.Kinds(id1))
	assert.Empty(t, r.Kinds(id2))

	// The freed VM can be locked by someone else now.
	require.NoError(t, r.Register(ctx, id2, Lock, sessionB, ""))
	assert.Equal(t, 0, r.PurgeSession("unknown"))
}

func TestUnregisterWakesWaiters(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	id := newID()

	require.NoError(t, r.Register(ctx, id, EditWithRename, sessionA, ""))
	require.NoError(t, r.Register(ctx, id, Lock, sessionA, ""))

	done := make(chan error, 1)
	go func() {
		done <- r.RegisterWithin(ctx, id, UpdateSecurity, sessionA, "", 5*time.Second)
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.Unregister(id, EditWithRename, sessionA))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not woken")
	}
}

// Random register/unregister sequences keep every admitted pair
// compatible, and every successful register is matched by exactly one
// successful unregister.
func TestRandomSequencesKeepInvariants(t *testing.T) {
	ctx := context.Background()
	kinds := AllKinds()
	sessions := []ident.Session{sessionA, sessionB, ident.DispatcherSession}

	for seed := int64(1); seed <= 20; seed++ {
		rng := rand.New(rand.NewSource(seed))
		r := newTestRegistry()
		id := newID()
		oracle := make(map[Record]int)

		for step := 0; step < 300; step++ {
			if rng.Intn(3) > 0 {
				candidate := Record{
					Kind:    kinds[rng.Intn(len(kinds))],
					Session: sessions[rng.Intn(len(sessions))],
				}
				if rng.Intn(4) == 0 {
					candidate.TaskID = "shared-task"
				}
				err := r.RegisterWithin(ctx, id, candidate.Kind, candidate.Session, candidate.TaskID, 0)
				if err == nil {
					oracle[candidate]++
				}
			} else {
				records := r.Records(id)
				if len(records) == 0 {
					continue
				}
				victim := records[rng.Intn(len(records))]
				// Unregister drops the first record of the kind, which may
				// be an earlier one from another session.
				first := firstOfKind(records, victim.Kind)
				err := r.Unregister(id, victim.Kind, first.Session)
				require.NoError(t, err, "seed %d step %d", seed, step)
				oracle[first]--
				if oracle[first] == 0 {
					delete(oracle, first)
				}
			}

			records := r.Records(id)
			for i := 0; i < len(records); i++ {
				for j := i + 1; j < len(records); j++ {
					require.Equal(t, Compatible, Reconcile(records[i], records[j]),
						"seed %d step %d: %s admitted next to %s", seed, step, records[j].Kind, records[i].Kind)
				}
			}
			assert.Len(t, records, oracleSize(oracle), "seed %d step %d", seed, step)
		}

		for _, rec := range r.Records(id) {
			require.NoError(t, r.Unregister(id, rec.Kind, firstOfKind(r.Records(id), rec.Kind).Session))
		}
		assert.Empty(t, r.Records(id))
	}
}

func firstOfKind(records []Record, kind Kind) Record {
	for _, rec := range records {
		if rec.Kind == kind {
			return rec
		}
	}
	return Record{}
}

func oracleSize(oracle map[Record]int) int {
	n := 0
	for _, c := range oracle {
		n += c
	}
	return n
}
