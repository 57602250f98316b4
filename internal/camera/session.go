package camera

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"fukugan/internal/config"
	"fukugan/internal/dataset"
	"fukugan/internal/logging"
)

// frameTimeout は1フレームの取得を待つ上限
const frameTimeout = 5 * time.Second

// V4L2Session はV4L2デバイス1台のSession実装
type V4L2Session struct {
	info     DeviceInfo
	cfg      config.CameraConfig
	capturer *V4L2Capturer
	layout   *dataset.Layout
	preview  *Preview
	logger   *logging.Logger

	mu       sync.Mutex
	latest   []byte
	latestAt time.Time
	frames   uint64
	laserOn  bool
	laserRng *ControlRange
	closed   bool
}

// NewV4L2Session は新しいV4L2Sessionを作成する
func NewV4L2Session(info DeviceInfo, cfg config.CameraConfig, capturer *V4L2Capturer, layout *dataset.Layout, logger *logging.Logger) *V4L2Session {
	if logger == nil {
		logger = logging.NopLogger()
	}

	s := &V4L2Session{
		info:     info,
		cfg:      cfg,
		capturer: capturer,
		layout:   layout,
		logger:   logger.WithDevice(info.Serial),
	}
	if cfg.GUIEnabled {
		s.preview = NewPreview(cfg.PreviewWidth, info.Serial)
	}
	return s
}

// Serial はデバイスのシリアル番号を返す
func (s *V4L2Session) Serial() string { return s.info.Serial }

// Info はデバイス情報を返す
func (s *V4L2Session) Info() DeviceInfo { return s.info }

// WaitForFrame は1フレームを取得して最新フレームとして保持する
// 取得に失敗した場合はErrFrameTimeoutを返す
func (s *V4L2Session) WaitForFrame(ctx context.Context) error {
	if s.isClosed() {
		return ErrSessionClosed
	}

	captureCtx, cancel := context.WithTimeout(ctx, frameTimeout)
	defer cancel()

	frame, err := s.capturer.CaptureFrameAsJPEG(captureCtx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrFrameTimeout, err)
	}

	s.mu.Lock()
	s.latest = frame
	s.latestAt = time.Now()
	s.frames++
	s.mu.Unlock()

	if s.preview != nil {
		if err := s.preview.Publish(frame); err != nil {
			s.logger.Debug("プレビューの配信に失敗しました", "error", err)
		}
	}
	return nil
}

// WriteData は最新フレームとメタデータを保存する
func (s *V4L2Session) WriteData(_ context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	frame, at, count := s.latest, s.latestAt, s.frames
	laserOn := s.laserOn
	s.mu.Unlock()

	if frame == nil {
		return ErrNoFrame
	}

	capture, err := s.layout.NewCapture(time.Now())
	if err != nil {
		return err
	}

	path, err := capture.WriteFrame(dataset.StreamColour, frame)
	if err != nil {
		return err
	}

	attrs := []dataset.Attribute{
		{Name: "Serial", Value: s.info.Serial},
		{Name: "Device", Value: s.info.Device},
		{Name: "Name", Value: s.info.Name},
		{Name: "Width", Value: strconv.Itoa(s.cfg.Width)},
		{Name: "Height", Value: strconv.Itoa(s.cfg.Height)},
		{Name: "Frame Counter", Value: strconv.FormatUint(count, 10)},
		{Name: "Frame Timestamp", Value: at.Format(time.RFC3339Nano)},
		{Name: "Laser", Value: strconv.FormatBool(laserOn)},
	}
	if _, err := capture.WriteMetadata(dataset.StreamColour, attrs); err != nil {
		return err
	}

	s.logger.Info("フレームを保存しました", "path", path)
	return nil
}

// SetLaser はエミッターの有効/無効とレーザー出力を設定する
// 無効化する場合は出力指定を無視する
func (s *V4L2Session) SetLaser(ctx context.Context, enabled bool, power LaserPower) error {
	if s.isClosed() {
		return ErrSessionClosed
	}

	controls := map[string]any{s.cfg.EmitterControl: enabled}

	if enabled && power.Level != LaserKeep {
		rng, err := s.laserRange(ctx)
		if err != nil {
			return err
		}
		if v, ok := power.Resolve(rng); ok {
			controls[s.cfg.LaserControl] = v
		}
	}

	if err := s.capturer.SetControls(ctx, controls); err != nil {
		return err
	}

	s.mu.Lock()
	s.laserOn = enabled
	s.mu.Unlock()

	s.logger.Info("レーザーを設定しました", "enabled", enabled, "power", power.String())
	return nil
}

// laserRange はレーザー出力の値域を取得する（初回のみ問い合わせる）
func (s *V4L2Session) laserRange(ctx context.Context) (ControlRange, error) {
	s.mu.Lock()
	cached := s.laserRng
	s.mu.Unlock()
	if cached != nil {
		return *cached, nil
	}

	rng, err := s.capturer.QueryControlRange(ctx, s.cfg.LaserControl)
	if err != nil {
		return ControlRange{}, err
	}

	s.mu.Lock()
	s.laserRng = &rng
	s.mu.Unlock()
	return rng, nil
}

// StabiliseExposure はframes枚のフレームを読み捨てる
// 一時的な取得失敗は読み飛ばす
func (s *V4L2Session) StabiliseExposure(ctx context.Context, frames int) error {
	return stabilise(ctx, s, frames)
}

// Subscribe はプレビューの購読を開始する
func (s *V4L2Session) Subscribe() (<-chan []byte, func(), bool) {
	if s.preview == nil {
		return nil, nil, false
	}
	return s.preview.Subscribe()
}

// Close はプレビューを閉じる
func (s *V4L2Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.preview != nil {
		s.preview.Close()
	}
	return nil
}

func (s *V4L2Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// stabilise はframes回WaitForFrameを呼び出す
func stabilise(ctx context.Context, s Session, frames int) error {
	var failed int
	for i := 0; i < frames; i++ {
		err := s.WaitForFrame(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrFrameTimeout):
			failed++
		default:
			return err
		}
	}
	if frames > 0 && failed == frames {
		return fmt.Errorf("露出安定化中にフレームを取得できませんでした: %w", ErrFrameTimeout)
	}
	return nil
}

// MockSession はテスト用のモックSession実装
type MockSession struct {
	info DeviceInfo

	mu       sync.Mutex
	frames   int
	writes   int
	laserOn  bool
	power    LaserPower
	laserSet int
	closed   bool
	preview  *Preview

	// 操作の重なり検出用
	active     int
	maxActive  int
	overlapped bool

	// テスト制御用
	frameErr   error
	writeErr   error
	laserErr   error
	panicOn    string
	writeDelay time.Duration
	frameDelay time.Duration
	onWrite    func(serial string)
}

// NewMockSession は新しいMockSessionを作成する
func NewMockSession(info DeviceInfo) *MockSession {
	return &MockSession{
		info:    info,
		preview: NewPreview(0, ""),
	}
}

// Serial はシリアル番号を返す
func (m *MockSession) Serial() string { return m.info.Serial }

// Info はデバイス情報を返す
func (m *MockSession) Info() DeviceInfo { return m.info }

func (m *MockSession) enter(op string) func() {
	m.mu.Lock()
	m.active++
	if m.active > 1 {
		m.overlapped = true
	}
	if m.active > m.maxActive {
		m.maxActive = m.active
	}
	panicOn := m.panicOn
	m.mu.Unlock()

	if panicOn == op {
		m.mu.Lock()
		m.active--
		m.mu.Unlock()
		panic(fmt.Sprintf("モック: %s でpanic", op))
	}

	return func() {
		m.mu.Lock()
		m.active--
		m.mu.Unlock()
	}
}

// WaitForFrame はフレーム取得を模擬する
func (m *MockSession) WaitForFrame(ctx context.Context) error {
	defer m.enter("frame")()

	m.mu.Lock()
	closed, delay, err := m.closed, m.frameDelay, m.frameErr
	m.mu.Unlock()

	if closed {
		return ErrSessionClosed
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.frames++
	m.mu.Unlock()
	return nil
}

// WriteData は保存を模擬する
func (m *MockSession) WriteData(ctx context.Context) error {
	defer m.enter("write")()

	m.mu.Lock()
	closed, delay, err, hook := m.closed, m.writeDelay, m.writeErr, m.onWrite
	m.mu.Unlock()

	if closed {
		return ErrSessionClosed
	}
	if hook != nil {
		hook(m.info.Serial)
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.writes++
	m.mu.Unlock()
	return nil
}

// SetLaser はレーザー設定を模擬する
func (m *MockSession) SetLaser(_ context.Context, enabled bool, power LaserPower) error {
	defer m.enter("laser")()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrSessionClosed
	}
	if m.laserErr != nil {
		return m.laserErr
	}
	m.laserOn = enabled
	if enabled {
		m.power = power
	}
	m.laserSet++
	return nil
}

// StabiliseExposure はframes回のフレーム取得を模擬する
func (m *MockSession) StabiliseExposure(ctx context.Context, frames int) error {
	return stabilise(ctx, m, frames)
}

// Subscribe はプレビューの購読を開始する
func (m *MockSession) Subscribe() (<-chan []byte, func(), bool) {
	return m.preview.Subscribe()
}

// PreviewSubscribed はプレビューの購読者がいるかを返す
func (m *MockSession) PreviewSubscribed() bool {
	return m.preview.HasSubscribers()
}

// PublishPreview はテスト用にプレビューフレームを配信する
func (m *MockSession) PublishPreview(frame []byte) {
	_ = m.preview.Publish(frame)
}

// Close はセッションを閉じる
func (m *MockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.preview.Close()
	return nil
}

// Frames は取得したフレーム数を返す
func (m *MockSession) Frames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames
}

// Writes は保存回数を返す
func (m *MockSession) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Laser は現在のレーザー状態を返す
func (m *MockSession) Laser() (bool, LaserPower) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.laserOn, m.power
}

// LaserCalls はSetLaserの成功回数を返す
func (m *MockSession) LaserCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.laserSet
}

// Closed はクローズ済みかを返す
func (m *MockSession) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Overlapped は操作の同時実行が検出されたかを返す
func (m *MockSession) Overlapped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overlapped
}

// SetFrameError はテスト用にフレーム取得の失敗を設定する
func (m *MockSession) SetFrameError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frameErr = err
}

// SetWriteError はテスト用に保存の失敗を設定する
func (m *MockSession) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// SetLaserError はテスト用にレーザー設定の失敗を設定する
func (m *MockSession) SetLaserError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.laserErr = err
}

// SetPanicOn はテスト用に指定した操作（"frame" / "write" / "laser"）でpanicさせる
func (m *MockSession) SetPanicOn(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panicOn = op
}

// SetWriteDelay はテスト用に保存の所要時間を設定する
func (m *MockSession) SetWriteDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeDelay = d
}

// SetFrameDelay はテスト用にフレーム取得の所要時間を設定する
func (m *MockSession) SetFrameDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frameDelay = d
}

// SetOnWrite はテスト用に保存開始時に呼ばれる関数を設定する
func (m *MockSession) SetOnWrite(fn func(serial string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onWrite = fn
}
