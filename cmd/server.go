// Package main はFukuganサーバーコマンドの実装です
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"fukugan/internal/app"
	"fukugan/internal/config"
	"fukugan/internal/logging"
)

type options struct {
	configPath  string
	host        string
	port        int
	driver      string
	mockDevices int
	logLevel    string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "fukugan",
		Short: "複数のデプスカメラを同時に制御するサーバー",
		Long: `Fukuganは接続されたカメラを自動で検出し、
全カメラからのフレーム保存やレーザー制御をHTTP経由で一括実行します。`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}

			logger, err := logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("ロガーの作成に失敗: %w", err)
			}
			defer func() { _ = logger.Close() }()

			comps, err := app.NewComponents(cfg, logger)
			if err != nil {
				return err
			}

			return app.Run(context.Background(), cfg, comps, logger)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "設定ファイル (デフォルト: ./fukugan.yaml)")
	flags.StringVar(&opts.host, "host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
	flags.IntVar(&opts.port, "port", 0, "サーバーのポート (デフォルト: 8080)")
	flags.StringVar(&opts.driver, "discovery", "", "デバイス検出ドライバー (linux / mock)")
	flags.IntVar(&opts.mockDevices, "mock-devices", 0, "mockドライバーの仮想カメラ台数")
	flags.StringVar(&opts.logLevel, "log-level", "", "ログレベル (DEBUG / INFO / WARN / ERROR)")

	root.AddCommand(newConfigCommand(opts))

	return root
}

func newConfigCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "有効な設定をYAMLで表示する",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			return cfg.Dump(cmd.OutOrStdout())
		},
	}
}

// loadConfig は設定を読み込み、指定されたフラグで上書きする
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host = opts.host
	}
	if flags.Changed("port") {
		cfg.Server.Port = opts.port
	}
	if flags.Changed("discovery") {
		cfg.Discovery.Driver = opts.driver
	}
	if flags.Changed("mock-devices") {
		cfg.Discovery.MockDevices = opts.mockDevices
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = opts.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}
	return cfg, nil
}
