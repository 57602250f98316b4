package pause

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_ExclusiveBlocksShared(t *testing.T) {
	g := New()

	release, ok := g.TryShared()
	require.True(t, ok)
	release()

	guard := g.Exclusive()
	assert.True(t, g.Paused())

	_, ok = g.TryShared()
	assert.False(t, ok, "排他許可の保持中は共有許可を取得できない")

	guard.Release()
	assert.False(t, g.Paused())

	release, ok = g.TryShared()
	require.True(t, ok)
	release()
}

func TestGuard_ReleaseIsIdempotent(t *testing.T) {
	g := New()

	guard := g.Exclusive()
	guard.Release()
	guard.Release()

	assert.False(t, g.Paused())

	// ロックが二重解放されていなければ再取得できる
	guard = g.Exclusive()
	guard.Release()
}

func TestGate_NestedPauseRestoresPriorState(t *testing.T) {
	g := New()

	outer := g.Pause()
	inner := g.Pause()
	assert.True(t, g.Paused())

	inner.Release()
	assert.True(t, g.Paused(), "内側の解放で外側の一時停止が失われてはならない")

	outer.Release()
	assert.False(t, g.Paused())
}

func TestGate_PauseInsideExclusive(t *testing.T) {
	g := New()

	guard := g.Exclusive()
	p := g.Pause()
	p.Release()
	assert.True(t, g.Paused())

	guard.Release()
	assert.False(t, g.Paused())
}

func TestGate_WaitingExclusivePausesNewTicks(t *testing.T) {
	g := New()

	release, ok := g.TryShared()
	require.True(t, ok)

	acquired := make(chan struct{})
	go func() {
		guard := g.Exclusive()
		close(acquired)
		guard.Release()
	}()

	// 排他操作の待機中は新しい共有許可を出さない
	require.Eventually(t, g.Paused, time.Second, time.Millisecond)
	_, ok = g.TryShared()
	assert.False(t, ok)

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("排他許可が取得できませんでした")
	}
}

func TestGate_MutualExclusion(t *testing.T) {
	g := New()

	var readers, writers atomic.Int32
	var violations atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				release, ok := g.TryShared()
				if !ok {
					continue
				}
				readers.Add(1)
				if writers.Load() > 0 {
					violations.Add(1)
				}
				readers.Add(-1)
				release()
			}
		}()
	}

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				guard := g.Exclusive()
				if writers.Add(1) > 1 || readers.Load() > 0 {
					violations.Add(1)
				}
				writers.Add(-1)
				guard.Release()
			}
		}()
	}

	wg.Wait()
	assert.Zero(t, violations.Load())
	assert.False(t, g.Paused())
}

func TestGate_SharedWaitsForExclusive(t *testing.T) {
	g := New()
	guard := g.Exclusive()

	got := make(chan struct{})
	go func() {
		release := g.Shared()
		close(got)
		release()
	}()

	select {
	case <-got:
		t.Fatal("排他許可の保持中に共有許可が取得されました")
	case <-time.After(30 * time.Millisecond):
	}

	guard.Release()
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("共有許可が取得できませんでした")
	}
}
