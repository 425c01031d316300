package txn

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabkv/tabkv/config"
	"github.com/tabkv/tabkv/hlc"
	"github.com/tabkv/tabkv/locator"
	"github.com/tabkv/tabkv/tabletserver"
	"github.com/tabkv/tabkv/tserver"
)

func startCluster(t *testing.T, cfg *config.Config, clock hlc.Clock, splits ...[]byte) (*tabletserver.Cluster, *Manager) {
	cluster := tabletserver.NewCluster(cfg, clock, 3, splits)
	mgr, err := NewManager(cfg, clock, locator.NewCache(cluster), cluster)
	require.NoError(t, err)
	return cluster, mgr
}

// noSkewConfig pairs with a ManualClock: the uncertainty window is
// empty, so reads are deterministic.
func noSkewConfig() *config.Config {
	cfg := config.NewTestConfig()
	cfg.MaxClockSkew = 0
	return cfg
}

func manualClock() *hlc.ManualClock {
	return hlc.NewManualClock(hlc.FromMicros(1_000_000), 0)
}

func TestCommitAndReadBack(t *testing.T) {
	_, mgr := startCluster(t, noSkewConfig(), manualClock(), []byte("m"))
	ctx := context.Background()

	tx, err := mgr.Begin(tserver.SnapshotIsolation)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, []byte("alpha"), []byte("1")))
	require.NoError(t, tx.Put(ctx, []byte("zeta"), []byte("2")))
	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, StateCommitted, tx.CurrentState())

	// Both writes land atomically even though they hit different
	// tablets.
	check, err := mgr.Begin(tserver.SnapshotIsolation)
	require.NoError(t, err)
	defer check.Close()
	v, found, err := check.Get(ctx, []byte("alpha"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("1"), v)
	v, found, err = check.Get(ctx, []byte("zeta"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("2"), v)
}

func TestReadYourWrites(t *testing.T) {
	cluster, mgr := startCluster(t, noSkewConfig(), manualClock())
	require.NoError(t, cluster.Put([]byte("doomed"), []byte("old")))
	ctx := context.Background()

	tx, err := mgr.Begin(tserver.SnapshotIsolation)
	require.NoError(t, err)
	defer tx.Close()

	require.NoError(t, tx.Put(ctx, []byte("mine"), []byte("v")))
	v, found, err := tx.Get(ctx, []byte("mine"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), v)

	// A pending intent is invisible to everyone else.
	other, err := mgr.Begin(tserver.SnapshotIsolation)
	require.NoError(t, err)
	defer other.Close()
	_, found, err = other.Get(ctx, []byte("mine"))
	require.NoError(t, err)
	assert.False(t, found)

	// Deletes are observed by their own transaction too.
	require.NoError(t, tx.Delete(ctx, []byte("doomed")))
	_, found, err = tx.Get(ctx, []byte("doomed"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSnapshotIgnoresLaterCommits(t *testing.T) {
	cluster, mgr := startCluster(t, noSkewConfig(), manualClock())
	require.NoError(t, cluster.Put([]byte("k"), []byte("v1")))
	ctx := context.Background()

	tx, err := mgr.Begin(tserver.SnapshotIsolation)
	require.NoError(t, err)
	defer tx.Close()

	// Committed after the snapshot was taken; with no clock skew it is
	// invisible rather than ambiguous.
	require.NoError(t, cluster.Put([]byte("k"), []byte("v2")))

	v, found, err := tx.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v1"), v)

	later, err := mgr.Begin(tserver.SnapshotIsolation)
	require.NoError(t, err)
	defer later.Close()
	v, _, err = later.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)
}

func TestReadRestart(t *testing.T) {
	cfg := config.NewTestConfig() // 50ms skew: a real uncertainty window
	clock := hlc.NewManualClock(hlc.FromMicros(1_000_000), cfg.MaxClockSkew)
	cluster, mgr := startCluster(t, cfg, clock)
	ctx := context.Background()

	tx, err := mgr.Begin(tserver.SnapshotIsolation)
	require.NoError(t, err)
	defer tx.Close()

	// This commit lands inside tx's uncertainty window: later than its
	// read time, earlier than its global limit.
	require.NoError(t, cluster.Put([]byte("k"), []byte("v")))

	_, _, err = tx.Get(ctx, []byte("k"))
	require.Error(t, err)
	require.True(t, tserver.IsRestartRequired(err))

	restarted, err := tx.CreateRestartedTransaction()
	require.NoError(t, err)
	defer restarted.Close()
	assert.NotEqual(t, tx.ID(), restarted.ID())

	// The restarted read point sits past the old global limit, so the
	// same window can never trip it again.
	v, found, err := restarted.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), v)
}

func TestRestartWithoutSignal(t *testing.T) {
	_, mgr := startCluster(t, noSkewConfig(), manualClock())
	tx, err := mgr.Begin(tserver.SnapshotIsolation)
	require.NoError(t, err)
	defer tx.Close()
	_, err = tx.CreateRestartedTransaction()
	assert.Error(t, err)
}

func TestExplicitReadTime(t *testing.T) {
	clock := manualClock()
	cluster, mgr := startCluster(t, noSkewConfig(), clock)
	ctx := context.Background()

	require.NoError(t, cluster.Put([]byte("k"), []byte("v1")))
	pin, _ := clock.Now()
	require.NoError(t, cluster.Put([]byte("k"), []byte("v2")))

	tx, err := mgr.Begin(tserver.SnapshotIsolation, WithReadTime(pin))
	require.NoError(t, err)
	defer tx.Close()
	v, found, err := tx.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v1"), v)
}

func TestWriteConflictOnIntent(t *testing.T) {
	_, mgr := startCluster(t, noSkewConfig(), manualClock())
	ctx := context.Background()

	t1, err := mgr.Begin(tserver.SnapshotIsolation)
	require.NoError(t, err)
	defer t1.Close()
	t2, err := mgr.Begin(tserver.SnapshotIsolation)
	require.NoError(t, err)
	defer t2.Close()

	require.NoError(t, t1.Put(ctx, []byte("k"), []byte("a")))

	// t1 is alive and pending, so its intent blocks t2 immediately.
	err = t2.Put(ctx, []byte("k"), []byte("b"))
	require.Error(t, err)
	assert.True(t, tserver.IsConflict(err))

	require.NoError(t, t1.Commit(ctx))
}

func TestFirstCommitterWins(t *testing.T) {
	_, mgr := startCluster(t, noSkewConfig(), manualClock())
	ctx := context.Background()

	t1, err := mgr.Begin(tserver.SnapshotIsolation)
	require.NoError(t, err)
	t2, err := mgr.Begin(tserver.SnapshotIsolation)
	require.NoError(t, err)
	defer t2.Close()

	require.NoError(t, t1.Put(ctx, []byte("k"), []byte("a")))
	require.NoError(t, t1.Commit(ctx))

	// t2 began before t1 committed: its write loses to the newer
	// committed version.
	err = t2.Put(ctx, []byte("k"), []byte("b"))
	require.Error(t, err)
	assert.True(t, tserver.IsConflict(err))
}

func TestAbortReleasesIntents(t *testing.T) {
	cfg := config.NewTestConfig()
	_, mgr := startCluster(t, cfg, hlc.NewWallClock(cfg.MaxClockSkew))
	ctx := context.Background()

	t1, err := mgr.Begin(tserver.SnapshotIsolation)
	require.NoError(t, err)
	require.NoError(t, t1.Put(ctx, []byte("k"), []byte("a")))
	t1.Abort()
	assert.Equal(t, StateAborted, t1.CurrentState())

	t2, err := mgr.Begin(tserver.SnapshotIsolation)
	require.NoError(t, err)
	defer t2.Close()
	// The abort notification is asynchronous; the write goes through as
	// soon as the status record flips.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := t2.Put(ctx, []byte("k"), []byte("b")); err == nil {
			break
		}
		require.True(t, time.Now().Before(deadline), "aborted intent was never released")
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, t2.Commit(ctx))
}

func TestConflictLiveness(t *testing.T) {
	cfg := config.NewTestConfig()
	_, mgr := startCluster(t, cfg, hlc.NewWallClock(cfg.MaxClockSkew))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const workers = 5
	const perWorker = 10
	key := []byte("counter")

	increment := func() error {
		tx, err := mgr.Begin(tserver.SnapshotIsolation)
		if err != nil {
			return err
		}
		defer tx.Close()
		v, found, err := tx.Get(ctx, key)
		if err != nil {
			return err
		}
		n := 0
		if found {
			if n, err = strconv.Atoi(string(v)); err != nil {
				return err
			}
		}
		if err := tx.Put(ctx, key, []byte(strconv.Itoa(n+1))); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				for {
					err := increment()
					if err == nil {
						break
					}
					if ctx.Err() != nil {
						t.Errorf("workload wedged: %v", err)
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	check, err := mgr.Begin(tserver.SnapshotIsolation)
	require.NoError(t, err)
	defer check.Close()
	v, found, err := check.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, strconv.Itoa(workers*perWorker), string(v))
}

func TestHeartbeatKeepsTransactionAlive(t *testing.T) {
	cfg := config.NewTestConfig() // 20ms heartbeats, 200ms expiry
	_, mgr := startCluster(t, cfg, hlc.NewWallClock(cfg.MaxClockSkew))
	ctx := context.Background()

	tx, err := mgr.Begin(tserver.SnapshotIsolation)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, []byte("k"), []byte("v")))

	// Far longer than the expiry threshold; heartbeats carry it.
	time.Sleep(3 * cfg.TransactionExpiry)
	require.NoError(t, tx.Commit(ctx))
}

func TestExpiration(t *testing.T) {
	cfg := noSkewConfig()
	cfg.DisableHeartbeats = true
	clock := manualClock()
	_, mgr := startCluster(t, cfg, clock)
	ctx := context.Background()

	tx, err := mgr.Begin(tserver.SnapshotIsolation)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, []byte("k"), []byte("v")))

	clock.Advance(2 * cfg.TransactionExpiry)

	err = tx.Commit(ctx)
	require.Error(t, err)
	assert.True(t, tserver.IsExpired(err))
	assert.Equal(t, StateAborted, tx.CurrentState())

	status, _, err := mgr.TransactionStatus(ctx, tx.StatusTablet(), tx.ID())
	require.NoError(t, err)
	assert.Equal(t, tserver.StatusAborted, status)

	// The expired transaction's intent no longer blocks anyone.
	t2, err := mgr.Begin(tserver.SnapshotIsolation)
	require.NoError(t, err)
	require.NoError(t, t2.Put(ctx, []byte("k"), []byte("w")))
	require.NoError(t, t2.Commit(ctx))
}

func TestStatusTimeMonotonic(t *testing.T) {
	cfg := config.NewTestConfig()
	_, mgr := startCluster(t, cfg, hlc.NewWallClock(cfg.MaxClockSkew))
	ctx := context.Background()

	tx, err := mgr.Begin(tserver.SnapshotIsolation)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, []byte("k"), []byte("v")))

	var pendingTimes []hlc.HybridTime
	for i := 0; i < 10; i++ {
		status, st, err := mgr.TransactionStatus(ctx, tx.StatusTablet(), tx.ID())
		require.NoError(t, err)
		require.Equal(t, tserver.StatusPending, status)
		pendingTimes = append(pendingTimes, st)
		time.Sleep(10 * time.Millisecond)
	}
	for i := 1; i < len(pendingTimes); i++ {
		assert.True(t, pendingTimes[i] >= pendingTimes[i-1],
			"status time went backwards: %v then %v", pendingTimes[i-1], pendingTimes[i])
	}

	require.NoError(t, tx.Commit(ctx))

	status, commitTime, err := mgr.TransactionStatus(ctx, tx.StatusTablet(), tx.ID())
	require.NoError(t, err)
	require.Equal(t, tserver.StatusCommitted, status)
	for _, pt := range pendingTimes {
		assert.True(t, commitTime > pt, "commit time must exceed every PENDING observation")
	}

	// Terminal status answers never change.
	for i := 0; i < 3; i++ {
		status, st, err := mgr.TransactionStatus(ctx, tx.StatusTablet(), tx.ID())
		require.NoError(t, err)
		assert.Equal(t, tserver.StatusCommitted, status)
		assert.Equal(t, commitTime, st)
	}
}

func TestStatusOfUnknownTransaction(t *testing.T) {
	cluster, mgr := startCluster(t, noSkewConfig(), manualClock())
	ctx := context.Background()

	status, _, err := mgr.TransactionStatus(ctx, cluster.TabletIDs()[0], uuid.New())
	require.NoError(t, err)
	assert.Equal(t, tserver.StatusAborted, status)
}

func TestChildTransaction(t *testing.T) {
	_, mgr := startCluster(t, noSkewConfig(), manualClock(), []byte("m"))
	ctx := context.Background()

	parent, err := mgr.Begin(tserver.SnapshotIsolation)
	require.NoError(t, err)
	require.NoError(t, parent.Put(ctx, []byte("alpha"), []byte("p")))

	data, err := parent.PrepareChild(ctx)
	require.NoError(t, err)

	child := NewChildTransaction(mgr, data)
	assert.Equal(t, parent.ID(), child.ID())

	// The child shares the transaction id, so it reads the parent's
	// intents.
	v, found, err := child.Get(ctx, []byte("alpha"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("p"), v)

	require.NoError(t, child.Put(ctx, []byte("zeta"), []byte("c")))

	res, err := child.FinishChild()
	require.NoError(t, err)
	require.NotEmpty(t, res.Tablets)

	// A sealed child rejects further operations, and only the parent
	// commits.
	require.Error(t, child.Put(ctx, []byte("more"), []byte("x")))
	require.Error(t, child.Commit(ctx))

	require.NoError(t, parent.ApplyChildResult(res))
	require.NoError(t, parent.Commit(ctx))

	check, err := mgr.Begin(tserver.SnapshotIsolation)
	require.NoError(t, err)
	defer check.Close()
	_, found, err = check.Get(ctx, []byte("alpha"))
	require.NoError(t, err)
	assert.True(t, found)
	_, found, err = check.Get(ctx, []byte("zeta"))
	require.NoError(t, err)
	assert.True(t, found, "child writes commit atomically with the parent's")
}

func TestChildRestartPropagates(t *testing.T) {
	cfg := config.NewTestConfig()
	clock := hlc.NewManualClock(hlc.FromMicros(1_000_000), cfg.MaxClockSkew)
	cluster, mgr := startCluster(t, cfg, clock)
	ctx := context.Background()

	parent, err := mgr.Begin(tserver.SnapshotIsolation)
	require.NoError(t, err)
	defer parent.Close()
	require.NoError(t, parent.Put(ctx, []byte("anchor"), []byte("p")))

	data, err := parent.PrepareChild(ctx)
	require.NoError(t, err)
	child := NewChildTransaction(mgr, data)

	// Lands inside the shared uncertainty window.
	require.NoError(t, cluster.Put([]byte("k"), []byte("v")))
	_, _, err = child.Get(ctx, []byte("k"))
	require.Error(t, err)
	require.True(t, tserver.IsRestartRequired(err))

	res, err := child.FinishChild()
	require.NoError(t, err)
	require.True(t, res.RestartTime.Valid())

	require.NoError(t, parent.ApplyChildResult(res))
	restarted, err := parent.CreateRestartedTransaction()
	require.NoError(t, err)
	defer restarted.Close()
	_, found, err := restarted.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.True(t, found)
}

func TestChildSnapshotFrozenAtPrepare(t *testing.T) {
	_, mgr := startCluster(t, noSkewConfig(), manualClock())
	ctx := context.Background()

	parent, err := mgr.Begin(tserver.SnapshotIsolation)
	require.NoError(t, err)
	require.NoError(t, parent.Put(ctx, []byte("before"), []byte("p")))

	data, err := parent.PrepareChild(ctx)
	require.NoError(t, err)
	require.True(t, data.InTxnLimit.Valid())

	// Written after the child's snapshot was taken.
	require.NoError(t, parent.Put(ctx, []byte("after"), []byte("p")))

	child := NewChildTransaction(mgr, data)
	v, found, err := child.Get(ctx, []byte("before"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("p"), v)

	// The parent's later intent sits past the child's in-txn limit, so
	// the child falls through to the committed history and finds
	// nothing.
	_, found, err = child.Get(ctx, []byte("after"))
	require.NoError(t, err)
	assert.False(t, found)

	res, err := child.FinishChild()
	require.NoError(t, err)
	require.NoError(t, parent.ApplyChildResult(res))
	require.NoError(t, parent.Commit(ctx))
}

func TestAbortRacingFirstWrite(t *testing.T) {
	cluster, mgr := startCluster(t, noSkewConfig(), manualClock())
	ctx := context.Background()

	tx, err := mgr.Begin(tserver.SnapshotIsolation)
	require.NoError(t, err)
	tx.Abort()
	assert.Equal(t, StateAborted, tx.CurrentState())

	// The write path re-checks the state around registration; an abort
	// that slipped in must not create a status record nobody will ever
	// finalize.
	require.Error(t, tx.ensureRegistered(ctx, []byte("k")))
	require.Error(t, tx.Put(ctx, []byte("k"), []byte("v")))

	// No tablet holds a PENDING record for the id: every status tablet
	// answers ABORTED, the verdict for unknown transactions.
	for _, id := range cluster.TabletIDs() {
		status, _, err := mgr.TransactionStatus(ctx, id, tx.ID())
		require.NoError(t, err)
		assert.Equal(t, tserver.StatusAborted, status)
	}
}

func TestLeadershipTransferMidTransaction(t *testing.T) {
	cfg := config.NewTestConfig()
	cluster, mgr := startCluster(t, cfg, hlc.NewWallClock(cfg.MaxClockSkew), []byte("m"))
	ctx := context.Background()

	tx, err := mgr.Begin(tserver.SnapshotIsolation)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, []byte("alpha"), []byte("1")))

	// Move every tablet's leadership, status tablet included. The
	// transaction must ride through on follower rejections alone.
	for _, id := range cluster.TabletIDs() {
		next := cluster.LeaderOf(id)%3 + 1
		require.NoError(t, cluster.TransferLeadership(id, next))
	}

	require.NoError(t, tx.Put(ctx, []byte("zeta"), []byte("2")))
	v, found, err := tx.Get(ctx, []byte("alpha"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("1"), v)
	require.NoError(t, tx.Commit(ctx))
}

func TestEmptyCommit(t *testing.T) {
	_, mgr := startCluster(t, noSkewConfig(), manualClock())
	ctx := context.Background()

	tx, err := mgr.Begin(tserver.SnapshotIsolation)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, StateCommitted, tx.CurrentState())
	assert.Equal(t, tserver.TabletID(""), tx.StatusTablet(), "a read-only commit never registers")
}

func TestTerminalStateIsSticky(t *testing.T) {
	_, mgr := startCluster(t, noSkewConfig(), manualClock())
	ctx := context.Background()

	tx, err := mgr.Begin(tserver.SnapshotIsolation)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, []byte("k"), []byte("v")))
	require.NoError(t, tx.Commit(ctx))

	assert.Error(t, tx.Commit(ctx), "double commit")
	assert.Error(t, tx.Put(ctx, []byte("k"), []byte("w")))
	tx.Abort()
	assert.Equal(t, StateCommitted, tx.CurrentState())
}

func TestCommitAsync(t *testing.T) {
	_, mgr := startCluster(t, noSkewConfig(), manualClock())
	ctx := context.Background()

	tx, err := mgr.Begin(tserver.SnapshotIsolation)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, []byte("k"), []byte("v")))

	done := make(chan error, 1)
	tx.CommitAsync(ctx, func(err error) { done <- err })
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("async commit never completed")
	}
	assert.Equal(t, StateCommitted, tx.CurrentState())
}

func TestLocalTabletFilter(t *testing.T) {
	cluster, mgr := startCluster(t, noSkewConfig(), manualClock(), []byte("m"))
	ctx := context.Background()

	// Only the first tablet may host status records.
	first := cluster.TabletIDs()[0]
	mgr.SetLocalTabletFilter(func(id tserver.TabletID) bool { return id == first })

	tx, err := mgr.Begin(tserver.SnapshotIsolation)
	require.NoError(t, err)
	defer tx.Close()
	// The key lives on the second tablet, which the filter rejects.
	require.NoError(t, tx.Put(ctx, []byte("zeta"), []byte("v")))
	assert.Equal(t, first, tx.StatusTablet())
	require.NoError(t, tx.Commit(ctx))
}

func TestCustomStatusTabletPicker(t *testing.T) {
	cluster, mgr := startCluster(t, noSkewConfig(), manualClock(), []byte("m"))
	ctx := context.Background()

	want := cluster.TabletIDs()[1]
	mgr.SetStatusTabletPicker(func(ctx context.Context, first *locator.RemoteTablet, allowed func(tserver.TabletID) bool) (tserver.TabletID, error) {
		return want, nil
	})

	tx, err := mgr.Begin(tserver.SnapshotIsolation)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, []byte("alpha"), []byte("v")))
	assert.Equal(t, want, tx.StatusTablet())
	require.NoError(t, tx.Commit(ctx))
}
