package camera

import (
	"fmt"
	"strconv"
)

// 一括操作の種類
const (
	OpSave      = "save"
	OpLaser     = "laser"
	OpStabilise = "stabilise"
)

type targetKind int

const (
	targetAll targetKind = iota
	targetIndex
	targetSerial
)

// Target は一括操作の対象
//
// At(i) は呼び出し時点の走査順でi番目のセッションを指す。
// 追加・削除で順序は変わるため、対象を固定したい場合はBySerialを使う。
type Target struct {
	kind   targetKind
	index  int
	serial string
}

// All は全セッションを対象にする
func All() Target { return Target{kind: targetAll} }

// At は走査順でindex番目のセッションを対象にする
func At(index int) Target { return Target{kind: targetIndex, index: index} }

// BySerial はシリアル番号でセッションを対象にする
func BySerial(serial string) Target { return Target{kind: targetSerial, serial: serial} }

// IsAll は全セッションが対象の場合にtrueを返す
func (t Target) IsAll() bool { return t.kind == targetAll }

// Index は走査順指定の場合にインデックスを返す
func (t Target) Index() (int, bool) { return t.index, t.kind == targetIndex }

// String はログ出力用の表記を返す
func (t Target) String() string {
	switch t.kind {
	case targetIndex:
		return "@" + strconv.Itoa(t.index)
	case targetSerial:
		return fmt.Sprintf("#%s", t.serial)
	default:
		return "all"
	}
}

// Result は一括操作の結果
// 失敗はエラーとして返さず、シリアル番号ごとのメッセージとして記録する
type Result struct {
	Operation string            `json:"operation"`
	BatchID   string            `json:"batch_id"`
	Target    string            `json:"target"`
	Serials   []string          `json:"serials"`            // 操作を適用したセッション
	Failures  map[string]string `json:"failures,omitempty"` // シリアル番号 → エラー
	ElapsedMs int64             `json:"elapsed_ms"`
}

// OK は全ての適用が成功した場合にtrueを返す
func (r Result) OK() bool {
	return len(r.Failures) == 0
}

// Applied は操作を適用したセッション数を返す
func (r Result) Applied() int {
	return len(r.Serials)
}
