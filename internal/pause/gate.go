// Package pause はポーリングループと構造変更・一括操作の排他を担う
//
// # 仕様
// - Gateはレジストリ唯一のロックと一時停止フラグを兼ねる
// - ポーリングは1周期ごとに共有許可（TryShared）を取得する
// - 追加・削除・一括操作は実行中ずっと排他許可（Exclusive）を保持する
// - 排他許可の保持中・待機中は一時停止状態となり、共有許可は取得できない
// - 一時停止はカウンタで管理するため入れ子にしても安全
package pause

import (
	"sync"
	"sync/atomic"
)

// Gate は共有・排他の許可と一時停止状態を管理する
type Gate struct {
	mu     sync.RWMutex
	paused atomic.Int32
}

// New は新しいGateを作成する
func New() *Gate {
	return &Gate{}
}

// Paused は一時停止中（排他許可の保持中・待機中を含む）ならtrueを返す
func (g *Gate) Paused() bool {
	return g.paused.Load() > 0
}

// Pause はロックを取らずに一時停止状態だけを立てる
// 返されたGuardのReleaseで取得前の状態に戻る
func (g *Gate) Pause() *Guard {
	g.paused.Add(1)
	return &Guard{gate: g}
}

// Exclusive は一時停止を立ててから排他許可を取得する
// 許可はGuardのReleaseまで保持される
func (g *Gate) Exclusive() *Guard {
	g.paused.Add(1)
	g.mu.Lock()
	return &Guard{gate: g, exclusive: true}
}

// TryShared は一時停止中でなければ共有許可を取得する
// 一時停止中の場合はok=falseを返し、呼び出し側はその周期の処理を行わない
func (g *Gate) TryShared() (release func(), ok bool) {
	if g.Paused() {
		return nil, false
	}

	g.mu.RLock()

	// 待機中に排他操作が到着した場合は譲る
	if g.Paused() {
		g.mu.RUnlock()
		return nil, false
	}

	var once sync.Once
	return func() { once.Do(g.mu.RUnlock) }, true
}

// Shared は一時停止状態に関係なく共有許可を取得する（排他操作の完了を待つ）
// ポーリング以外の読み取り（一覧取得など）で使う
func (g *Gate) Shared() (release func()) {
	g.mu.RLock()

	var once sync.Once
	return func() { once.Do(g.mu.RUnlock) }
}

// Guard はスコープ内で保持する一時停止（と排他許可）
type Guard struct {
	gate      *Gate
	exclusive bool
	once      sync.Once
}

// Release は排他許可を解放し、一時停止カウンタを戻す
// 2回目以降の呼び出しは何もしない
func (g *Guard) Release() {
	g.once.Do(func() {
		if g.exclusive {
			g.gate.mu.Unlock()
		}
		g.gate.paused.Add(-1)
	})
}
