// Package camera 複数カメラのセッション管理を担う
//
// # 責務
// - 接続中のカメラをシリアル番号で管理する（Registry）
// - 起動時の列挙とホットプラグによる追加・削除
// - バックグラウンドでの全カメラからのフレーム取得（ポーリング）
// - 全カメラまたは1台を対象にした保存・レーザー設定・露出安定化
//
// # 仕様
// - Registry: セッション集合の唯一の所有者。変更と一括操作はpause.Gateの排他許可で直列化する
// - ポーリング: worker.Periodicで一定レートで動作し、一時停止中の周期は何もしない
// - 初期化完了フラグ: 列挙中・ホットプラグ処理中は下がり、Availableで待機できる
// - 一括操作: 保存と露出安定化は並列、レーザー設定は順に適用する
// - 1台の失敗は他のカメラへの適用を止めず、Resultに記録する
// - Discovery: /dev/videoN とsysfsからの検出、fsnotifyによるホットプラグ通知
// - V4L2 Capturer: ffmpeg / v4l2-ctl 経由での画像取得とコントロール設定
//
// # 前提要件
//   - v4l-utils: コントロールの設定と値域の取得に使用
//     Ubuntu/Debian: sudo apt install v4l-utils
//   - ffmpeg: 画像キャプチャに使用
//     Ubuntu/Debian: sudo apt install ffmpeg
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
