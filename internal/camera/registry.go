package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"fukugan/internal/config"
	"fukugan/internal/logging"
	"fukugan/internal/pause"
	"fukugan/internal/worker"
)

// RegistryOptions はRegistryの動作設定
type RegistryOptions struct {
	PollRateHz        int  // ポーリングの目標レート
	FanOutWorkers     int  // 一括操作の同時実行数（0はセッション数）
	StabiliseFrames   int  // 露出安定化で読み捨てるフレーム数
	StabiliseOnAttach bool // 接続時に露出安定化を行う
}

// RegistryOptionsFromConfig は設定からRegistryOptionsを作成する
func RegistryOptionsFromConfig(cfg *config.Config) RegistryOptions {
	return RegistryOptions{
		PollRateHz:        cfg.Registry.PollRateHz,
		FanOutWorkers:     cfg.Registry.FanOutWorkers,
		StabiliseFrames:   cfg.Camera.StabiliseFrames,
		StabiliseOnAttach: cfg.Camera.StabiliseOnAttach,
	}
}

// entry はレジストリに登録された1セッション
type entry struct {
	session    Session
	attachedAt time.Time
}

// Registry は接続中のカメラセッションをシリアル番号で管理する
//
// セッション集合の変更（追加・削除）と一括操作はgateの排他許可を、
// バックグラウンドのポーリングは周期ごとの共有許可を取得して行う。
type Registry struct {
	discovery Discovery
	creator   SessionCreator
	opts      RegistryOptions
	logger    *logging.Logger

	gate     *pause.Gate
	sessions map[string]*entry // gateで保護
	order    []string          // 走査順（登録順）。gateで保護

	poller    *worker.Periodic
	started   atomic.Bool
	runCtx    context.Context
	cancelRun context.CancelFunc
	closeOnce sync.Once

	// 初期化完了フラグ（起動時の列挙中・ホットプラグ処理中はfalse）
	readyMu sync.Mutex
	ready   bool
	readyCh chan struct{}
}

// NewRegistry は新しいRegistryを作成する
func NewRegistry(discovery Discovery, creator SessionCreator, opts RegistryOptions, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if opts.StabiliseFrames <= 0 {
		opts.StabiliseFrames = 30
	}

	r := &Registry{
		discovery: discovery,
		creator:   creator,
		opts:      opts,
		logger:    logger.WithComponent("registry"),
		gate:      pause.New(),
		sessions:  make(map[string]*entry),
		readyCh:   make(chan struct{}),
	}

	r.poller = worker.NewPeriodic("poller", opts.PollRateHz, worker.HookFuncs{
		Start: r.enumerate,
		Tick:  r.poll,
	}, logger)

	return r
}

// Start は起動時の列挙とポーリングを開始する
// 列挙はバックグラウンドで行われるため、コマンド実行前にAvailableで待機すること
func (r *Registry) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return worker.ErrAlreadyStarted
	}

	r.runCtx, r.cancelRun = context.WithCancel(ctx)
	return r.poller.Start(r.runCtx)
}

// Close はポーリングを停止し、ホットプラグ購読を終了して全セッションを閉じる
// 実行中の一括操作は中断せず、完了を待つ
func (r *Registry) Close() error {
	var errs []error

	r.closeOnce.Do(func() {
		if r.cancelRun != nil {
			r.cancelRun()
		}
		r.poller.Stop()

		if err := r.discovery.Close(); err != nil {
			errs = append(errs, fmt.Errorf("検出の停止に失敗: %w", err))
		}

		guard := r.gate.Exclusive()
		defer guard.Release()

		for _, serial := range r.order {
			if err := r.sessions[serial].session.Close(); err != nil {
				errs = append(errs, fmt.Errorf("カメラ %s のクローズに失敗: %w", serial, err))
			}
		}
		r.sessions = make(map[string]*entry)
		r.order = nil
	})

	return errors.Join(errs...)
}

// Available は初期化完了フラグが立つまで待機する
// タイムアウトはない。ctxのキャンセルでのみ待機を打ち切れる
func (r *Registry) Available(ctx context.Context) error {
	for {
		r.readyMu.Lock()
		if r.ready {
			r.readyMu.Unlock()
			return nil
		}
		ch := r.readyCh
		r.readyMu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Initialised は初期化完了フラグを返す
func (r *Registry) Initialised() bool {
	r.readyMu.Lock()
	defer r.readyMu.Unlock()
	return r.ready
}

// setInitialised は初期化完了フラグを更新し、待機中のAvailableを起こす
func (r *Registry) setInitialised(v bool) {
	r.readyMu.Lock()
	defer r.readyMu.Unlock()

	if r.ready == v {
		return
	}
	r.ready = v
	if v {
		close(r.readyCh)
	} else {
		r.readyCh = make(chan struct{})
	}
}

// PollerAlive はポーリングワーカーが動作中かを返す
func (r *Registry) PollerAlive() bool {
	return r.poller.Alive()
}

// Len は登録されているセッション数を返す
func (r *Registry) Len() int {
	release := r.gate.Shared()
	defer release()
	return len(r.order)
}

// Serials は走査順のシリアル番号一覧を返す
func (r *Registry) Serials() []string {
	release := r.gate.Shared()
	defer release()
	return append([]string(nil), r.order...)
}

// Devices は走査順のデバイス状態一覧を返す
func (r *Registry) Devices() []DeviceStatus {
	release := r.gate.Shared()
	defer release()

	devices := make([]DeviceStatus, 0, len(r.order))
	for i, serial := range r.order {
		e := r.sessions[serial]
		info := e.session.Info()
		devices = append(devices, DeviceStatus{
			Index:      i,
			Serial:     serial,
			Name:       info.Name,
			Device:     info.Device,
			AttachedAt: e.attachedAt,
		})
	}
	return devices
}

// Preview は指定したデバイスのプレビューフレームを購読する
func (r *Registry) Preview(serial string) (<-chan []byte, func(), bool) {
	release := r.gate.Shared()
	defer release()

	e, ok := r.sessions[serial]
	if !ok {
		return nil, nil, false
	}
	return e.session.Subscribe()
}

// AddDevice はデバイスのセッションを作成して登録する
// 同じシリアル番号が登録済みの場合は何もしない。作成に失敗した場合はログ出力のみ
func (r *Registry) AddDevice(ctx context.Context, info DeviceInfo) {
	guard := r.gate.Exclusive()
	defer guard.Release()

	r.addLocked(ctx, info)
}

// RemoveDevice はイベントで取り外されたデバイスのセッションを閉じて削除する
func (r *Registry) RemoveDevice(ev ChangeEvent) {
	guard := r.gate.Exclusive()
	defer guard.Release()

	r.removeLocked(ev)
}

// HandleChange はホットプラグ通知を処理する
// 処理中は初期化完了フラグを下ろし、削除 → 追加 の順に反映する
func (r *Registry) HandleChange(ctx context.Context, ev ChangeEvent) {
	// 削除と追加の間にポーリングが割り込まないよう、変更全体で一時停止する
	pause := r.gate.Pause()
	defer pause.Release()

	r.setInitialised(false)
	defer r.setInitialised(true)

	r.logger.Info("デバイス構成の変更を検出しました", "added", len(ev.Added), "removed", len(ev.Removed))

	r.RemoveDevice(ev)
	for _, info := range ev.Added {
		r.AddDevice(ctx, info)
	}
}

// addLocked はセッションを作成して登録する（排他許可取得済み前提）
func (r *Registry) addLocked(ctx context.Context, info DeviceInfo) bool {
	if info.Serial == "" {
		info.Serial = info.Device
	}
	logger := r.logger.WithDevice(info.Serial)

	if _, exists := r.sessions[info.Serial]; exists {
		logger.Debug("登録済みのデバイスです")
		return false
	}

	session, err := r.creator.CreateSession(ctx, info)
	if err != nil {
		logger.Error("カメラセッションの作成に失敗しました。このデバイスをスキップします", "device", info.Device, "error", err)
		return false
	}

	r.sessions[info.Serial] = &entry{session: session, attachedAt: time.Now()}
	r.order = append(r.order, info.Serial)

	logger.Info("カメラを登録しました",
		"name", info.Name,
		"device", info.Device,
		"driver", info.Driver,
		"index", len(r.order)-1,
	)

	if r.opts.StabiliseOnAttach {
		if err := session.StabiliseExposure(ctx, r.opts.StabiliseFrames); err != nil {
			logger.Warn("接続時の露出安定化に失敗しました", "error", err)
		}
	}

	return true
}

// removeLocked は取り外されたセッションを削除する（排他許可取得済み前提）
func (r *Registry) removeLocked(ev ChangeEvent) int {
	kept := r.order[:0]
	removed := 0

	for _, serial := range r.order {
		if !ev.WasRemoved(serial) {
			kept = append(kept, serial)
			continue
		}

		if err := r.sessions[serial].session.Close(); err != nil {
			r.logger.WithDevice(serial).Warn("セッションのクローズに失敗しました", "error", err)
		}
		delete(r.sessions, serial)
		removed++

		r.logger.WithDevice(serial).Info("カメラを削除しました")
	}

	// 末尾の参照を残さない
	for i := len(kept); i < len(r.order); i++ {
		r.order[i] = ""
	}
	r.order = kept

	return removed
}

// enumerate は起動時のデバイス列挙（ワーカーのOnStart）
func (r *Registry) enumerate(ctx context.Context) error {
	devices, err := r.discovery.QueryDevices(ctx)
	if err != nil {
		r.logger.Error("デバイスの列挙に失敗しました", "error", err)
	}

	if len(devices) == 0 {
		r.logger.Warn("カメラが検出されませんでした。接続を待機します")
	}

	for _, info := range devices {
		r.AddDevice(ctx, info)
	}

	r.setInitialised(true)

	if err := r.discovery.Subscribe(func(ev ChangeEvent) {
		r.HandleChange(r.runCtx, ev)
	}); err != nil {
		r.logger.Error("ホットプラグ通知の購読に失敗しました", "error", err)
	}

	return nil
}

// poll は全セッションから1フレームずつ取得する（ワーカーのOnTick）
// 一時停止中はその周期のセッション操作を行わない
func (r *Registry) poll(ctx context.Context) error {
	release, ok := r.gate.TryShared()
	if !ok {
		return nil
	}
	defer release()

	for _, serial := range r.order {
		if ctx.Err() != nil {
			return nil
		}

		err := r.sessions[serial].session.WaitForFrame(ctx)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		case errors.Is(err, ErrFrameTimeout):
			r.logger.WithDevice(serial).Debug("フレームの取得を再試行します", "error", err)
		default:
			r.logger.WithDevice(serial).Warn("フレームの取得に失敗しました", "error", err)
		}
	}

	return nil
}

// SaveFrames は対象セッションの最新フレームを並列に保存する
func (r *Registry) SaveFrames(ctx context.Context, target Target) Result {
	return r.fanOut(ctx, OpSave, target, true, func(ctx context.Context, s Session) error {
		return s.WriteData(ctx)
	})
}

// SetLaser は対象セッションのレーザーを順に設定する
func (r *Registry) SetLaser(ctx context.Context, target Target, enabled bool, power LaserPower) Result {
	return r.fanOut(ctx, OpLaser, target, false, func(ctx context.Context, s Session) error {
		return s.SetLaser(ctx, enabled, power)
	})
}

// StabiliseExposure は対象セッションの露出安定化を並列に行う
func (r *Registry) StabiliseExposure(ctx context.Context, target Target) Result {
	frames := r.opts.StabiliseFrames
	return r.fanOut(ctx, OpStabilise, target, true, func(ctx context.Context, s Session) error {
		return s.StabiliseExposure(ctx, frames)
	})
}

// fanOut は排他許可を保持したまま対象セッションへ操作を適用する
// 1セッションの失敗は他のセッションへの適用を止めず、ログとResultにのみ記録する
// 開始後は呼び出し元のキャンセルで中断しない
func (r *Registry) fanOut(ctx context.Context, op string, target Target, parallel bool, fn func(context.Context, Session) error) Result {
	ctx = context.WithoutCancel(ctx)

	guard := r.gate.Exclusive()
	defer guard.Release()

	begin := time.Now()
	res := Result{
		Operation: op,
		BatchID:   uuid.NewString(),
		Target:    target.String(),
		Serials:   []string{},
	}
	logger := r.logger.With("op", op, "batch_id", res.BatchID, "target", res.Target)

	if len(r.order) == 0 {
		logger.Warn(ErrNoDevices.Error())
		return res
	}

	sessions := r.selectLocked(target)
	if len(sessions) == 0 {
		logger.Warn("対象のカメラが見つかりません", "devices", len(r.order))
		return res
	}

	var mu sync.Mutex
	apply := func(s Session) {
		err := safeApply(ctx, s, fn)

		mu.Lock()
		defer mu.Unlock()
		res.Serials = append(res.Serials, s.Serial())
		if err != nil {
			if res.Failures == nil {
				res.Failures = make(map[string]string)
			}
			res.Failures[s.Serial()] = err.Error()
			logger.WithDevice(s.Serial()).Error("カメラへの操作に失敗しました", "error", err)
		}
	}

	if parallel && len(sessions) > 1 {
		p := pool.New().WithMaxGoroutines(r.fanOutWorkers(len(sessions)))
		for _, s := range sessions {
			p.Go(func() { apply(s) })
		}
		p.Wait()
	} else {
		for _, s := range sessions {
			apply(s)
		}
	}

	res.ElapsedMs = time.Since(begin).Milliseconds()
	logger.Info("一括操作が完了しました", "sessions", len(sessions), "failures", len(res.Failures), "elapsed_ms", res.ElapsedMs)

	return res
}

// selectLocked は対象に一致するセッションを走査順で返す（排他許可取得済み前提）
// 範囲外のインデックスや未登録のシリアル番号は空を返す
func (r *Registry) selectLocked(target Target) []Session {
	switch target.kind {
	case targetIndex:
		if target.index < 0 || target.index >= len(r.order) {
			return nil
		}
		return []Session{r.sessions[r.order[target.index]].session}
	case targetSerial:
		e, ok := r.sessions[target.serial]
		if !ok {
			return nil
		}
		return []Session{e.session}
	default:
		sessions := make([]Session, 0, len(r.order))
		for _, serial := range r.order {
			sessions = append(sessions, r.sessions[serial].session)
		}
		return sessions
	}
}

func (r *Registry) fanOutWorkers(n int) int {
	if r.opts.FanOutWorkers > 0 && r.opts.FanOutWorkers < n {
		return r.opts.FanOutWorkers
	}
	return n
}

// safeApply はpanicをエラーに変換して操作を適用する
func safeApply(ctx context.Context, s Session, fn func(context.Context, Session) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn(ctx, s)
}
