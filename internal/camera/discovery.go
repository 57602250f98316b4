package camera

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	"fukugan/internal/logging"
)

// ErrAlreadySubscribed は同じDiscoveryに2回購読した場合のエラー
var ErrAlreadySubscribed = errors.New("ホットプラグ通知は既に購読されています")

var videoNodePattern = regexp.MustCompile(`^video(\d+)$`)

// LinuxDiscovery はLinux環境でのカメラデバイス検出を実装する
//
// devDir配下のvideoNノードを列挙し、sysfsからデバイス名とシリアル番号を読み取る。
// 同じシリアル番号を持つノードが複数ある場合（メタデータ用ノードなど）は最も小さい番号を採用する。
// ホットプラグはdevDirをfsnotifyで監視し、一定時間イベントが途切れてから再列挙して差分を通知する。
type LinuxDiscovery struct {
	fs       afero.Fs
	devDir   string
	sysfsDir string
	debounce time.Duration
	logger   *logging.Logger

	mu      sync.Mutex
	known   []DeviceInfo
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
	closed  bool
}

// NewLinuxDiscovery は新しいLinuxDiscoveryを作成する
// fsはsysfsとdevDirの読み取りに使う（本番ではafero.NewOsFs()）
func NewLinuxDiscovery(fs afero.Fs, devDir, sysfsDir string, debounce time.Duration, logger *logging.Logger) *LinuxDiscovery {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &LinuxDiscovery{
		fs:       fs,
		devDir:   devDir,
		sysfsDir: sysfsDir,
		debounce: debounce,
		logger:   logger.WithComponent("discovery"),
		stopCh:   make(chan struct{}),
	}
}

// QueryDevices は現在接続されているカメラを列挙する
func (d *LinuxDiscovery) QueryDevices(ctx context.Context) ([]DeviceInfo, error) {
	devices, err := d.scan(ctx)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.known = devices
	d.mu.Unlock()

	return devices, nil
}

// scan はdevDirのvideoNノードをノード番号順に読み取る
func (d *LinuxDiscovery) scan(ctx context.Context) ([]DeviceInfo, error) {
	matches, err := afero.Glob(d.fs, filepath.Join(d.devDir, "video*"))
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	seen := make(map[string]bool)
	devices := make([]DeviceInfo, 0, len(matches))

	for _, match := range matches {
		if err := ctx.Err(); err != nil {
			return devices, err
		}

		node := filepath.Base(match)
		if !videoNodePattern.MatchString(node) {
			continue
		}

		info := d.readDeviceInfo(match, node)
		if seen[info.Serial] {
			continue
		}
		seen[info.Serial] = true
		devices = append(devices, info)
	}

	return devices, nil
}

// readDeviceInfo はsysfsからデバイス情報を読み取る
// シリアル番号が取得できない場合はノード名で代用する
func (d *LinuxDiscovery) readDeviceInfo(device, node string) DeviceInfo {
	classDir := filepath.Join(d.sysfsDir, "class", "video4linux", node)

	name := d.readAttr(filepath.Join(classDir, "name"))
	if name == "" {
		name = fmt.Sprintf("カメラ %d", extractDeviceNumber(node))
	}

	// deviceはUSBインターフェースへのリンクで、serialはその親（USBデバイス）にある
	serial := d.readAttr(classDir + "/device/../serial")
	if serial == "" {
		serial = d.readAttr(filepath.Join(classDir, "device", "serial"))
	}
	if serial == "" {
		serial = node
	}

	driver := filepath.Base(d.readLink(filepath.Join(classDir, "device", "driver")))
	if driver == "." || driver == "" {
		driver = "uvcvideo"
	}

	return DeviceInfo{
		Serial: serial,
		Name:   name,
		Device: device,
		Driver: driver,
	}
}

func (d *LinuxDiscovery) readAttr(path string) string {
	data, err := afero.ReadFile(d.fs, path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (d *LinuxDiscovery) readLink(path string) string {
	lr, ok := d.fs.(afero.LinkReader)
	if !ok {
		return ""
	}
	target, err := lr.ReadlinkIfPossible(path)
	if err != nil {
		return ""
	}
	return target
}

// Subscribe はdevDirの監視を開始し、デバイスの増減をhandlerに通知する
// handlerは監視用の1つのゴルーチンから逐次呼び出される
func (d *LinuxDiscovery) Subscribe(handler ChangeHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrSessionClosed
	}
	if d.watcher != nil {
		return ErrAlreadySubscribed
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("監視の作成に失敗: %w", err)
	}
	if err := watcher.Add(d.devDir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("%s の監視に失敗: %w", d.devDir, err)
	}

	d.watcher = watcher
	d.wg.Add(1)
	go d.watchLoop(watcher, handler)

	d.logger.Info("ホットプラグの監視を開始しました", "dir", d.devDir)
	return nil
}

// watchLoop はvideoNノードの作成・削除をまとめてから再列挙する
func (d *LinuxDiscovery) watchLoop(watcher *fsnotify.Watcher, handler ChangeHandler) {
	defer d.wg.Done()

	// 列挙から監視開始までの間に起きた変化を拾う
	d.rescan(handler)

	debounceTimer := time.NewTimer(0)
	<-debounceTimer.C

	for {
		select {
		case <-d.stopCh:
			debounceTimer.Stop()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !videoNodePattern.MatchString(filepath.Base(event.Name)) {
				continue
			}
			debounceTimer.Reset(d.debounce)

		case <-debounceTimer.C:
			d.rescan(handler)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("ホットプラグ監視でエラーが発生しました", "error", err)
		}
	}
}

// rescan は再列挙して前回との差分を通知する
func (d *LinuxDiscovery) rescan(handler ChangeHandler) {
	curr, err := d.scan(context.Background())
	if err != nil {
		d.logger.Warn("デバイスの再列挙に失敗しました", "error", err)
		return
	}

	d.mu.Lock()
	ev := diffDevices(d.known, curr)
	d.known = curr
	d.mu.Unlock()

	if ev.Empty() {
		return
	}
	handler(ev)
}

// Close は監視を停止する
// 実行中のhandlerがあれば完了を待つ
func (d *LinuxDiscovery) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.stopCh)
	watcher := d.watcher
	d.mu.Unlock()

	d.wg.Wait()

	if watcher != nil {
		return watcher.Close()
	}
	return nil
}

// diffDevices はシリアル番号をキーに前回と今回の列挙結果の差分を返す
func diffDevices(prev, curr []DeviceInfo) ChangeEvent {
	prevSet := make(map[string]bool, len(prev))
	for _, p := range prev {
		prevSet[p.Serial] = true
	}
	currSet := make(map[string]bool, len(curr))
	for _, c := range curr {
		currSet[c.Serial] = true
	}

	var ev ChangeEvent
	for _, c := range curr {
		if !prevSet[c.Serial] {
			ev.Added = append(ev.Added, c)
		}
	}
	for _, p := range prev {
		if !currSet[p.Serial] {
			ev.Removed = append(ev.Removed, p)
		}
	}
	return ev
}

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) int {
	m := videoNodePattern.FindStringSubmatch(filepath.Base(device))
	if len(m) < 2 {
		return 0
	}

	num, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return num
}

// MockDiscovery はテスト用のモックDiscovery実装
// Attach / Detach で登録済みのhandlerへ同期的にイベントを届ける
type MockDiscovery struct {
	mu      sync.Mutex
	devices []DeviceInfo
	handler ChangeHandler
	closed  bool

	// 通知を逐次化する
	deliverMu sync.Mutex

	// テスト制御用
	queryDelay   time.Duration
	queryErr     error
	subscribeErr error
}

// NewMockDiscovery は新しいMockDiscoveryを作成する
func NewMockDiscovery(devices ...DeviceInfo) *MockDiscovery {
	return &MockDiscovery{devices: append([]DeviceInfo(nil), devices...)}
}

// NewMockDevices はテスト用のデバイス情報をn件生成する
func NewMockDevices(n int) []DeviceInfo {
	devices := make([]DeviceInfo, 0, n)
	for i := 0; i < n; i++ {
		devices = append(devices, MockDevice(i))
	}
	return devices
}

// MockDevice はi番目のテスト用デバイス情報を返す
func MockDevice(i int) DeviceInfo {
	return DeviceInfo{
		Serial: fmt.Sprintf("MOCK%04d", i),
		Name:   fmt.Sprintf("テストカメラ %d", i+1),
		Device: fmt.Sprintf("/dev/video%d", i*2),
		Driver: "mock",
	}
}

// QueryDevices はモックデバイス一覧を返す
func (m *MockDiscovery) QueryDevices(ctx context.Context) ([]DeviceInfo, error) {
	m.mu.Lock()
	delay, err := m.queryDelay, m.queryErr
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DeviceInfo(nil), m.devices...), nil
}

// Subscribe はhandlerを登録する
func (m *MockDiscovery) Subscribe(handler ChangeHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.subscribeErr != nil {
		return m.subscribeErr
	}
	if m.handler != nil {
		return ErrAlreadySubscribed
	}
	m.handler = handler
	return nil
}

// Subscribed はhandlerが登録済みかを返す
func (m *MockDiscovery) Subscribed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler != nil
}

// Close はhandlerの登録を解除する
func (m *MockDiscovery) Close() error {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.handler = nil
	return nil
}

// Attach はデバイスの接続を模擬する
func (m *MockDiscovery) Attach(devices ...DeviceInfo) {
	m.mu.Lock()
	m.devices = append(m.devices, devices...)
	m.mu.Unlock()

	m.deliver(ChangeEvent{Added: devices})
}

// Detach はシリアル番号を指定してデバイスの取り外しを模擬する
func (m *MockDiscovery) Detach(serials ...string) {
	var removed []DeviceInfo

	m.mu.Lock()
	kept := m.devices[:0]
	for _, d := range m.devices {
		if containsString(serials, d.Serial) {
			removed = append(removed, d)
			continue
		}
		kept = append(kept, d)
	}
	m.devices = kept
	m.mu.Unlock()

	m.deliver(ChangeEvent{Removed: removed})
}

// Notify は任意のイベントを届ける
func (m *MockDiscovery) Notify(ev ChangeEvent) {
	m.deliver(ev)
}

func (m *MockDiscovery) deliver(ev ChangeEvent) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	handler, closed := m.handler, m.closed
	m.mu.Unlock()

	if handler == nil || closed || ev.Empty() {
		return
	}
	handler(ev)
}

// SetQueryDelay はテスト用に列挙の遅延を設定する
func (m *MockDiscovery) SetQueryDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryDelay = d
}

// SetQueryError はテスト用に列挙の失敗を設定する
func (m *MockDiscovery) SetQueryError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryErr = err
}

// SetSubscribeError はテスト用に購読の失敗を設定する
func (m *MockDiscovery) SetSubscribeError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeErr = err
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
