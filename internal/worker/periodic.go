// Package worker は一定周期で処理を繰り返すバックグラウンドワーカーを提供する
//
// # 仕様
// - OnStartを1回実行した後、OnTickを目標レートで繰り返す
// - 処理時間を差し引いてスリープする（超過した場合は待たずに次へ、追い上げはしない）
// - OnStart / OnTickのエラーおよびpanicはログ出力後にワーカーを終了させる（再起動しない）
// - Stopはキャンセルを要求し、ゴルーチンの終了まで待機する
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"fukugan/internal/logging"
)

// ErrAlreadyStarted はStartが2回呼ばれた場合に返される
var ErrAlreadyStarted = errors.New("ワーカーは既に開始されています")

// Hooks はワーカーが駆動する処理の組
type Hooks interface {
	// OnStart はゴルーチン開始直後に1回だけ呼ばれる
	OnStart(ctx context.Context) error

	// OnTick は周期ごとに呼ばれる
	OnTick(ctx context.Context) error
}

// HookFuncs は関数をHooksとして扱うアダプタ
type HookFuncs struct {
	Start func(ctx context.Context) error
	Tick  func(ctx context.Context) error
}

// OnStart はStartが設定されていれば呼び出す
func (h HookFuncs) OnStart(ctx context.Context) error {
	if h.Start == nil {
		return nil
	}
	return h.Start(ctx)
}

// OnTick はTickが設定されていれば呼び出す
func (h HookFuncs) OnTick(ctx context.Context) error {
	if h.Tick == nil {
		return nil
	}
	return h.Tick(ctx)
}

// Periodic は1つのゴルーチンでHooksを周期実行するワーカー
type Periodic struct {
	name   string
	period time.Duration
	hooks  Hooks
	logger *logging.Logger

	started atomic.Bool
	alive   atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPeriodic は新しいPeriodicを作成する
// 周期は 1000/rateHz ミリ秒。rateHzが0以下の場合は1Hzとする
func NewPeriodic(name string, rateHz int, hooks Hooks, logger *logging.Logger) *Periodic {
	if rateHz <= 0 {
		rateHz = 1
	}
	if logger == nil {
		logger = logging.NopLogger()
	}

	return &Periodic{
		name:   name,
		period: time.Duration(1000/rateHz) * time.Millisecond,
		hooks:  hooks,
		logger: logger.WithComponent(name),
	}
}

// Period は1周期の長さを返す
func (p *Periodic) Period() time.Duration {
	return p.period
}

// Start はワーカーのゴルーチンを起動する
func (p *Periodic) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.alive.Store(true)

	go p.run(runCtx)

	return nil
}

// Alive はキャンセルされておらず、ゴルーチンが終了していない場合にtrueを返す
func (p *Periodic) Alive() bool {
	return p.alive.Load()
}

// Stop はキャンセルを要求し、ゴルーチンの終了まで待機する
// 未開始の場合や2回目以降の呼び出しは即座に戻る
func (p *Periodic) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if cancel == nil {
		return
	}

	p.alive.Store(false)
	cancel()
	<-done
}

// run はワーカー本体（OnStart → 周期ループ）
func (p *Periodic) run(ctx context.Context) {
	defer close(p.done)
	defer p.alive.Store(false)

	if err := p.safeCall(ctx, p.hooks.OnStart); err != nil {
		p.logger.Error("ワーカーの初期化に失敗しました。ワーカーを終了します", "error", err)
		return
	}

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for p.alive.Load() {
		start := time.Now()

		if err := p.safeCall(ctx, p.hooks.OnTick); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("周期処理でエラーが発生しました。ワーカーを終了します", "error", err)
			return
		}

		remaining := RemainingSleep(p.period, time.Since(start))
		if remaining == 0 {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		timer.Reset(remaining)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

// safeCall はpanicをエラーに変換してフックを呼び出す
func (p *Periodic) safeCall(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// RemainingSleep は周期から処理時間を差し引いたスリープ時間を返す
// 処理時間が周期を超えた場合は0（追い上げ補正は行わない）
func RemainingSleep(period, elapsed time.Duration) time.Duration {
	remaining := period - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}
