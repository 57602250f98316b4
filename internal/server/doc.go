// Package server は、カメラ操作のHTTPインターフェースを提供します。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - 保存・レーザー設定・露出安定化のコマンド受付
//   - デバイス一覧と状態の取得
//   - プレビューのMJPEG配信
//
// 仕様:
//   - ルーティングはgin
//   - コマンド系エンドポイントは初期化完了（Registry.Available）を待ってから実行する
//   - /api/save などはパス末尾の /:index で1台だけを対象にできる
//   - POST /api/commands はコマンド文字列（例: "l1@0 max"）をそのまま受け付ける
//   - quitコマンドはサーバーを終了させる
package server
