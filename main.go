package main

import (
	"context"
	"log"

	"fukugan/internal/app"
	"fukugan/internal/config"
	"fukugan/internal/logging"
)

func main() {
	// 設定を読み込む
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		log.Fatalf("ロガーの作成に失敗しました: %v", err)
	}
	defer func() { _ = logger.Close() }()

	comps, err := app.NewComponents(cfg, logger)
	if err != nil {
		log.Fatalf("初期化に失敗しました: %v", err)
	}

	// サーバーを起動
	if err := app.Run(context.Background(), cfg, comps, logger); err != nil {
		logger.Error("サーバーの実行に失敗しました", "error", err)
	}
}
