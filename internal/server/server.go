package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"fukugan/internal/config"
	"fukugan/internal/logging"
)

// shutdownTimeout はグレースフルシャットダウンの待機上限
const shutdownTimeout = 5 * time.Second

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	logger     *logging.Logger
	engine     *gin.Engine
	httpServer *http.Server

	// quitコマンドでStartを終了させる
	quitCh   chan struct{}
	quitOnce sync.Once

	// シャットダウン時にストリーム配信を終了させる
	streamsDone chan struct{}
	stopOnce    sync.Once

	addrMu sync.Mutex
	addr   net.Addr
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, registry Registry, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}

	s := &Server{
		config: cfg,
		logger: logger.WithComponent("server"),
		engine: gin.New(),
		quitCh: make(chan struct{}),

		streamsDone: make(chan struct{}),
	}

	h := &Handler{
		config:      cfg,
		registry:    registry,
		logger:      s.logger,
		quit:        s.requestQuit,
		streamsDone: s.streamsDone,
	}
	s.setupRoutes(h)

	// MJPEGストリームは書き込みが続くため、http.ServerのWriteTimeoutは使わない
	s.httpServer = &http.Server{
		Addr:        cfg.ServerAddress(),
		Handler:     s.engine,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	return s
}

// Handler はルーティング済みのhttp.Handlerを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes(h *Handler) {
	s.engine.Use(gin.Recovery(), s.requestLogger())

	s.engine.GET("/health", h.HealthCheck)

	api := s.engine.Group("/api")
	{
		api.GET("/status", h.GetStatus)
		api.GET("/devices", h.GetDevices)
		api.GET("/devices/:serial/stream", h.GetDeviceStream)

		commands := api.Group("")
		commands.Use(s.writeTimeout())
		commands.POST("/save", h.SaveFrames)
		commands.POST("/save/:index", h.SaveFrames)
		commands.POST("/laser", h.SetLaser)
		commands.POST("/laser/:index", h.SetLaser)
		commands.POST("/stabilise", h.StabiliseExposure)
		commands.POST("/stabilise/:index", h.StabiliseExposure)
		commands.POST("/commands", h.RunCommand)
	}
}

// requestLogger はリクエストごとにアクセスログを出力するミドルウェア
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		begin := time.Now()
		c.Next()

		s.logger.Debug("リクエストを処理しました",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency_ms", time.Since(begin).Milliseconds(),
		)
	}
}

// writeTimeout はコマンド系エンドポイントに処理時間の上限を設ける
// 上限に達するとリクエストのコンテキストがキャンセルされる
func (s *Server) writeTimeout() gin.HandlerFunc {
	timeout := s.config.Server.WriteTimeout
	return func(c *gin.Context) {
		if timeout <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// Addr は待ち受け中のアドレスを返す（起動前はnil）
func (s *Server) Addr() net.Addr {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	return s.addr
}

// requestQuit はStartの終了を要求する
func (s *Server) requestQuit() {
	s.quitOnce.Do(func() { close(s.quitCh) })
}

// Start はサーバーを起動する
// ctxのキャンセル、SIGINT / SIGTERM、quitコマンドのいずれかでシャットダウンする
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	}

	s.addrMu.Lock()
	s.addr = ln.Addr()
	s.addrMu.Unlock()

	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.logger.Info("HTTPサーバーを起動しています", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		s.logger.Info("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		s.logger.Info("シグナルを受信しました", "signal", sig.String())
	case <-s.quitCh:
		s.logger.Info("終了コマンドを受信しました")
	case err := <-shutdownCh:
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	s.logger.Info("サーバーをシャットダウンしています")
	s.stopOnce.Do(func() { close(s.streamsDone) })

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	s.logger.Info("サーバーが正常にシャットダウンされました")
	return nil
}
