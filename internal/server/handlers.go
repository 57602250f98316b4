package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"fukugan/internal/camera"
	"fukugan/internal/command"
	"fukugan/internal/config"
	"fukugan/internal/logging"
)

// Registry はハンドラが利用するレジストリの操作
type Registry interface {
	command.Controller

	Available(ctx context.Context) error
	Initialised() bool
	PollerAlive() bool
	Devices() []camera.DeviceStatus
	Preview(serial string) (<-chan []byte, func(), bool)
}

// Handler はHTTPエンドポイントの実装
type Handler struct {
	config      *config.Config
	registry    Registry
	logger      *logging.Logger
	quit        func()
	streamsDone <-chan struct{}
}

// HealthResponse はヘルスチェックのレスポンス
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ServerInfo はサーバーの待ち受け設定
type ServerInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// StatusResponse はシステム状態のレスポンス
type StatusResponse struct {
	Status      string     `json:"status"`
	Server      ServerInfo `json:"server"`
	Cameras     int        `json:"cameras"`
	Initialised bool       `json:"initialised"`
	Polling     bool       `json:"polling"`
	Timestamp   time.Time  `json:"timestamp"`
}

// DevicesResponse はデバイス一覧のレスポンス
type DevicesResponse struct {
	Devices []camera.DeviceStatus `json:"devices"`
}

// LaserRequest はレーザー設定のリクエスト
type LaserRequest struct {
	On    *bool  `json:"on" binding:"required"`
	Power string `json:"power"` // "min" / "mid" / "max" / 数値。空は変更なし
}

// CommandRequest はコマンド文字列のリクエスト
type CommandRequest struct {
	Command string `json:"command" binding:"required"`
}

// CommandResponse はコマンド実行のレスポンス
type CommandResponse struct {
	Command string         `json:"command"`
	Result  *camera.Result `json:"result,omitempty"`
	Help    string         `json:"help,omitempty"`
	Quit    bool           `json:"quit,omitempty"`
}

// ErrorResponse はエラーレスポンス
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// GetStatus はシステム状態取得エンドポイントの実装
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Status: "running",
		Server: ServerInfo{
			Host: h.config.Server.Host,
			Port: h.config.Server.Port,
		},
		Cameras:     len(h.registry.Devices()),
		Initialised: h.registry.Initialised(),
		Polling:     h.registry.PollerAlive(),
		Timestamp:   time.Now(),
	})
}

// GetDevices はカメラ一覧取得エンドポイントの実装
func (h *Handler) GetDevices(c *gin.Context) {
	c.JSON(http.StatusOK, DevicesResponse{Devices: h.registry.Devices()})
}

// SaveFrames は保存エンドポイントの実装
func (h *Handler) SaveFrames(c *gin.Context) {
	target, ok := h.target(c)
	if !ok {
		return
	}
	h.run(c, command.Command{Action: command.ActionSave, Target: target})
}

// SetLaser はレーザー設定エンドポイントの実装
func (h *Handler) SetLaser(c *gin.Context) {
	target, ok := h.target(c)
	if !ok {
		return
	}

	var req LaserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	cmd := command.Command{Action: command.ActionLaserOff, Target: target, Power: camera.KeepLaserPower()}
	if *req.On {
		power, err := camera.ParseLaserPower(req.Power)
		if err != nil {
			h.respondError(c, http.StatusBadRequest, "invalid_power", err.Error())
			return
		}
		cmd.Action = command.ActionLaserOn
		cmd.Power = power
	}

	h.run(c, cmd)
}

// StabiliseExposure は露出安定化エンドポイントの実装
func (h *Handler) StabiliseExposure(c *gin.Context) {
	target, ok := h.target(c)
	if !ok {
		return
	}
	h.run(c, command.Command{Action: command.ActionStabilise, Target: target})
}

// RunCommand はコマンド文字列を解釈して実行する
func (h *Handler) RunCommand(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	cmd, err := command.Parse(req.Command)
	if err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid_command", err.Error())
		return
	}

	switch cmd.Action {
	case command.ActionHelp:
		c.JSON(http.StatusOK, CommandResponse{Command: cmd.String(), Help: command.HelpText})
		return
	case command.ActionQuit:
		h.logger.Info("終了コマンドを受け付けました")
		c.JSON(http.StatusOK, CommandResponse{Command: cmd.String(), Quit: true})
		if h.quit != nil {
			h.quit()
		}
		return
	}

	h.run(c, cmd)
}

// run は初期化完了を待ってからコマンドを実行し、結果を返す
func (h *Handler) run(c *gin.Context, cmd command.Command) {
	ctx := c.Request.Context()

	if err := h.registry.Available(ctx); err != nil {
		h.respondError(c, http.StatusServiceUnavailable, "not_available", "カメラの初期化が完了していません")
		return
	}

	res, err := command.Execute(ctx, h.registry, cmd)
	if err != nil {
		h.respondError(c, http.StatusBadRequest, "invalid_command", err.Error())
		return
	}

	c.JSON(http.StatusOK, CommandResponse{Command: cmd.String(), Result: &res})
}

// target はパスの:indexから操作対象を決める（省略時は全カメラ）
func (h *Handler) target(c *gin.Context) (camera.Target, bool) {
	param := c.Param("index")
	if param == "" {
		return camera.All(), true
	}

	i, err := strconv.Atoi(param)
	if err != nil || i < 0 {
		h.respondError(c, http.StatusBadRequest, "invalid_index", "インデックスは0以上の整数で指定してください")
		return camera.Target{}, false
	}
	return camera.At(i), true
}

// GetDeviceStream はMJPEGストリーミングエンドポイントの実装
func (h *Handler) GetDeviceStream(c *gin.Context) {
	serial := c.Param("serial")

	frames, cancel, ok := h.registry.Preview(serial)
	if !ok {
		h.respondError(c, http.StatusNotFound, "camera_not_found", "指定されたカメラが見つからないか、プレビューが無効です")
		return
	}
	defer cancel()

	h.streamMJPEG(c, frames)
}

// streamMJPEG はMJPEGストリームを配信する
func (h *Handler) streamMJPEG(c *gin.Context, frames <-chan []byte) {
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	writer := c.Writer
	writer.WriteHeaderNow()
	writer.Flush()
	clientGone := c.Request.Context().Done()

	for {
		select {
		case <-clientGone:
			return

		case <-h.streamsDone:
			return

		case frame, ok := <-frames:
			if !ok {
				// セッションがクローズされた
				return
			}

			if err := writeMJPEGPart(writer, frame); err != nil {
				return
			}
			writer.Flush()
		}
	}
}

// writeMJPEGPart はmultipartの1パートを書き込む
func writeMJPEGPart(w gin.ResponseWriter, frame []byte) error {
	header := "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: " + strconv.Itoa(len(frame)) + "\r\n\r\n"
	if _, err := w.WriteString(header); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := w.WriteString("\r\n")
	return err
}

func (h *Handler) respondError(c *gin.Context, status int, code, message string) {
	if status >= http.StatusInternalServerError || errors.Is(c.Request.Context().Err(), context.DeadlineExceeded) {
		h.logger.Warn("リクエストの処理に失敗しました", "path", c.FullPath(), "error", code, "message", message)
	}
	c.JSON(status, ErrorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	})
}
