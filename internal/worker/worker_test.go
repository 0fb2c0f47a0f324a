package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"strata/internal/errs"
)

func TestEachBoundsConcurrency(t *testing.T) {
	pool := NewPool(2)
	items := make([]int, 10)
	for i := range items {
		items[i] = i
	}

	var inFlight, peak int32
	var sum int64
	err := Each(context.Background(), pool, items, func(ctx context.Context, v int) error {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&sum, int64(v))
		atomic.AddInt32(&inFlight, -1)
		return nil
	})
	require.NoError(t, err)
	require.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	require.Equal(t, int64(45), atomic.LoadInt64(&sum))
}

func TestEachContinuesPastFailures(t *testing.T) {
	var visited int32
	boom := errors.New("boom")
	err := Each(context.Background(), NewPool(3), []int{1, 2, 3, 4}, func(ctx context.Context, v int) error {
		atomic.AddInt32(&visited, 1)
		if v%2 == 0 {
			return boom
		}
		return nil
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, int32(4), atomic.LoadInt32(&visited))
}

func TestEachStopsSchedulingAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var visited int32
	err := Each(ctx, NewPool(1), []int{1, 2, 3}, func(ctx context.Context, v int) error {
		atomic.AddInt32(&visited, 1)
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, atomic.LoadInt32(&visited))
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	var km KeyedMutex
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("same")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, 50, counter)
	require.Zero(t, km.Len())

	unlockA := km.Lock("a")
	unlockB := km.Lock("b")
	require.Equal(t, 2, km.Len())
	unlockA()
	unlockB()
	require.Zero(t, km.Len())
}

func TestScopeLocksRejectOverlap(t *testing.T) {
	var locks ScopeLocks

	release, err := locks.Acquire("backup-full", ResourceFiles, ResourceMemory, ResourceBackups)
	require.NoError(t, err)

	_, err = locks.Acquire("sweep-files", ResourceFiles)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindConflict))
	require.Equal(t, errs.CodeMaintenanceBusy, errs.CodeOf(err))

	release()
	release()
	require.Empty(t, locks.Held())

	releaseFiles, err := locks.Acquire("sweep-files", ResourceFiles)
	require.NoError(t, err)
	releaseMemory, err := locks.Acquire("sweep-memory", ResourceMemory)
	require.NoError(t, err, "disjoint scopes run together")
	require.Equal(t, []string{ResourceFiles, ResourceMemory}, locks.Held())
	releaseFiles()
	releaseMemory()
}

func TestScopeLocksExcludeOtherHolders(t *testing.T) {
	dir := t.TempDir()
	serve := NewScopeLocks(dir)
	cli := NewScopeLocks(dir)

	release, err := serve.Acquire("prune:sweep", ResourceFiles, ResourceMemory)
	require.NoError(t, err)

	_, err = cli.Acquire("backup:manual", ResourceBackups, ResourceFiles)
	require.Error(t, err)
	require.Equal(t, errs.CodeMaintenanceBusy, errs.CodeOf(err))
	require.Contains(t, err.Error(), "prune:sweep")
	require.Equal(t, []string{ResourceFiles, ResourceMemory}, cli.Held())

	releaseBackups, err := cli.Acquire("backup:manual", ResourceBackups)
	require.NoError(t, err, "a failed acquire leaves no partial locks")
	releaseBackups()

	release()
	require.Empty(t, cli.Held())
	releaseFiles, err := cli.Acquire("backup:manual", ResourceFiles)
	require.NoError(t, err)
	releaseFiles()
}

func TestHashLocksSerializeAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	a := &HashLocks{Dir: dir}
	b := &HashLocks{Dir: dir}
	hash := "ab12"

	unlockA, err := a.Lock(hash)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		unlockB, err := b.Lock(hash)
		if err == nil {
			close(acquired)
			unlockB()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held hash lock")
	case <-time.After(50 * time.Millisecond):
	}
	unlockA()
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("hash lock was not handed over")
	}
}

func TestLockFileNonBlocking(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scope.lock")
	held, err := LockFile(path, true)
	require.NoError(t, err)
	require.NoError(t, held.SetOwner("gc:1"))
	require.True(t, IsLocked(path))

	_, err = LockFile(path, false)
	require.ErrorIs(t, err, ErrLocked)
	require.Equal(t, "gc:1", LockOwner(path))

	require.NoError(t, held.Unlock())
	require.False(t, IsLocked(path))
	require.Empty(t, LockOwner(path))
}
