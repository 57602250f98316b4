// Package app は設定からレジストリとHTTPサーバーを組み立てて実行する
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"

	"fukugan/internal/camera"
	"fukugan/internal/config"
	"fukugan/internal/logging"
	"fukugan/internal/server"
)

// Components は実行に必要な依存の組
type Components struct {
	Discovery camera.Discovery
	Creator   camera.SessionCreator
}

// NewComponents は設定のドライバーに応じた検出器とセッション生成器を返す
func NewComponents(cfg *config.Config, logger *logging.Logger) (Components, error) {
	switch cfg.Discovery.Driver {
	case "linux":
		return Components{
			Discovery: camera.NewLinuxDiscovery(afero.NewOsFs(), cfg.Discovery.DevDir, cfg.Discovery.SysfsDir, cfg.Discovery.Debounce, logger),
			Creator:   camera.NewV4L2SessionCreator(cfg, afero.NewOsFs(), camera.ExecRunner, logger),
		}, nil
	case "mock":
		return Components{
			Discovery: camera.NewMockDiscovery(camera.NewMockDevices(cfg.Discovery.MockDevices)...),
			Creator:   camera.NewMockSessionCreator(),
		}, nil
	default:
		return Components{}, fmt.Errorf("不明な検出ドライバー: %s", cfg.Discovery.Driver)
	}
}

// Run はレジストリを起動し、サーバーが終了するまでブロックする
// ctxのキャンセル、シグナル、quitコマンドのいずれかで終了する
func Run(ctx context.Context, cfg *config.Config, comps Components, logger *logging.Logger) (err error) {
	if logger == nil {
		logger = logging.NopLogger()
	}

	if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := camera.NewRegistry(comps.Discovery, comps.Creator, camera.RegistryOptionsFromConfig(cfg), logger)
	if err := registry.Start(ctx); err != nil {
		return fmt.Errorf("レジストリの起動に失敗: %w", err)
	}
	defer func() {
		if cerr := registry.Close(); cerr != nil {
			logger.Error("レジストリの停止に失敗しました", "error", cerr)
			err = errors.Join(err, cerr)
		}
	}()

	logger.Info("サーバーを起動します", "address", cfg.ServerAddress(), "driver", cfg.Discovery.Driver)

	srv := server.New(cfg, registry, logger)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("サーバーの実行に失敗: %w", err)
	}

	logger.Info("サーバーを停止しました")
	return nil
}
