package camera

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoDevices はデバイスが1台も接続されていない場合のエラー
	ErrNoDevices = errors.New("カメラが接続されていません")

	// ErrFrameTimeout はフレームの取得が一時的に失敗した場合のエラー
	// セッション内部で再試行されるため、ポーリングでは読み飛ばす
	ErrFrameTimeout = errors.New("フレームの取得に失敗しました")

	// ErrSessionClosed はクローズ済みセッションを操作した場合のエラー
	ErrSessionClosed = errors.New("セッションはクローズされています")

	// ErrNoFrame はまだ1フレームも取得していない状態で保存した場合のエラー
	ErrNoFrame = errors.New("フレームがまだ取得されていません")
)

// DeviceInfo は検出されたカメラデバイスの情報
type DeviceInfo struct {
	Serial string // デバイスの一意なシリアル番号（レジストリのキー）
	Name   string // デバイス名
	Device string // デバイスパス（例: /dev/video0）
	Driver string // ドライバー名
}

// ChangeEvent はホットプラグによるデバイスの増減
type ChangeEvent struct {
	Added   []DeviceInfo // 新たに接続されたデバイス
	Removed []DeviceInfo // 取り外されたデバイス
}

// WasRemoved は指定したシリアル番号のデバイスが取り外されたかを返す
func (e ChangeEvent) WasRemoved(serial string) bool {
	for _, d := range e.Removed {
		if d.Serial == serial {
			return true
		}
	}
	return false
}

// Empty は増減がない場合にtrueを返す
func (e ChangeEvent) Empty() bool {
	return len(e.Added) == 0 && len(e.Removed) == 0
}

// ChangeHandler はホットプラグ通知を受け取る関数
// 検出側は通知を直列化して配送し、同じハンドラを再入で呼び出さない
type ChangeHandler func(ChangeEvent)

// Discovery はカメラデバイスの検出とホットプラグ通知を提供する
type Discovery interface {
	// QueryDevices は現在接続されているデバイスを返す
	QueryDevices(ctx context.Context) ([]DeviceInfo, error)

	// Subscribe はホットプラグ通知の購読を開始する
	Subscribe(handler ChangeHandler) error

	// Close は購読を終了してリソースを解放する
	Close() error
}

// Session は接続中のカメラ1台のキャプチャ・制御を担う
// レジストリが排他的に所有し、同時に複数の操作から呼ばれることはない
type Session interface {
	// Serial はデバイスのシリアル番号を返す
	Serial() string

	// Info はデバイス情報を返す
	Info() DeviceInfo

	// WaitForFrame は次のフレームセットが揃うまで待つ
	WaitForFrame(ctx context.Context) error

	// WriteData は最新のフレームセットを保存する
	WriteData(ctx context.Context) error

	// SetLaser はレーザー（赤外線プロジェクター）の有効/無効と出力を設定する
	SetLaser(ctx context.Context, enabled bool, power LaserPower) error

	// StabiliseExposure は自動露出が安定するまでframes枚を読み捨てる
	StabiliseExposure(ctx context.Context, frames int) error

	// Subscribe はプレビューフレームの購読を開始する
	// プレビューが無効な場合はok=false
	Subscribe() (frames <-chan []byte, cancel func(), ok bool)

	// Close はプレビューなどの出力を閉じてリソースを解放する
	Close() error
}

// SessionCreator は検出されたデバイスからSessionを作成する
type SessionCreator interface {
	CreateSession(ctx context.Context, info DeviceInfo) (Session, error)
}

// SessionCreatorFunc は関数をSessionCreatorとして扱うアダプタ
type SessionCreatorFunc func(ctx context.Context, info DeviceInfo) (Session, error)

// CreateSession はfを呼び出す
func (f SessionCreatorFunc) CreateSession(ctx context.Context, info DeviceInfo) (Session, error) {
	return f(ctx, info)
}

// DeviceStatus はレジストリに登録されたデバイスの状態
type DeviceStatus struct {
	Index      int       `json:"index"`       // 現在の走査順での位置
	Serial     string    `json:"serial"`      // シリアル番号
	Name       string    `json:"name"`        // デバイス名
	Device     string    `json:"device"`      // デバイスパス
	AttachedAt time.Time `json:"attached_at"` // 登録された時刻
}
