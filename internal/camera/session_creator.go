package camera

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/afero"

	"fukugan/internal/config"
	"fukugan/internal/dataset"
	"fukugan/internal/logging"
)

// V4L2SessionCreator は本番用のSessionCreator実装
type V4L2SessionCreator struct {
	camera  config.CameraConfig
	dataset config.DatasetConfig
	fs      afero.Fs
	run     CommandRunner
	logger  *logging.Logger
}

// NewV4L2SessionCreator は新しいV4L2SessionCreatorを作成する
// runがnilの場合はExecRunnerを使う
func NewV4L2SessionCreator(cfg *config.Config, fs afero.Fs, run CommandRunner, logger *logging.Logger) *V4L2SessionCreator {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if run == nil {
		run = ExecRunner
	}
	return &V4L2SessionCreator{
		camera:  cfg.Camera,
		dataset: cfg.Dataset,
		fs:      fs,
		run:     run,
		logger:  logger,
	}
}

// CreateSession はデバイスを確認してV4L2Sessionを作成する
func (c *V4L2SessionCreator) CreateSession(ctx context.Context, info DeviceInfo) (Session, error) {
	capturer := NewV4L2Capturer(info.Device, c.camera.Width, c.camera.Height, c.camera.FPS, c.run)
	if !capturer.IsDeviceAvailable(ctx) {
		return nil, fmt.Errorf("デバイスが利用できません: %s", info.Device)
	}

	layout := dataset.NewLayout(c.fs, c.dataset, info.Serial)
	return NewV4L2Session(info, c.camera, capturer, layout, c.logger), nil
}

// MockSessionCreator はテスト用のSessionCreator実装
// 作成したMockSessionをシリアル番号で保持する
type MockSessionCreator struct {
	mu       sync.Mutex
	sessions map[string]*MockSession
	created  []string
	failFor  map[string]error
}

// NewMockSessionCreator は新しいMockSessionCreatorを作成する
func NewMockSessionCreator() *MockSessionCreator {
	return &MockSessionCreator{
		sessions: make(map[string]*MockSession),
		failFor:  make(map[string]error),
	}
}

// CreateSession はMockSessionを作成する
func (m *MockSessionCreator) CreateSession(_ context.Context, info DeviceInfo) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.failFor[info.Serial]; ok {
		return nil, err
	}

	s := NewMockSession(info)
	m.sessions[info.Serial] = s
	m.created = append(m.created, info.Serial)
	return s, nil
}

// Session は作成済みのMockSessionを返す
func (m *MockSessionCreator) Session(serial string) *MockSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[serial]
}

// Created は作成順のシリアル番号一覧を返す
func (m *MockSessionCreator) Created() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.created...)
}

// FailFor はテスト用に指定したシリアル番号の作成を失敗させる
func (m *MockSessionCreator) FailFor(serial string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFor[serial] = err
}
