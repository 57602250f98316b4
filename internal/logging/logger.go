// Package logging はslogをラップした構造化ログを提供する
//
// # 責務
// - JSON形式の構造化ログ出力
// - ログレベル（DEBUG, INFO, WARN, ERROR）の制御
// - デバイス・コンポーネント単位のコンテキスト付与
//
// # 仕様
// - ディレクトリ指定時は <dir>/fukugan.log に追記、未指定時は標準エラー出力
// - With系メソッドで作成した子ロガーは出力先を共有する
// - 全ての型は並行利用に対して安全
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ログレベル
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// LogFileName はログファイル名
const LogFileName = "fukugan.log"

// Logger は構造化ログを出力するロガー
type Logger struct {
	logger *slog.Logger
	out    *output
}

// output は子ロガー間で共有される出力先
type output struct {
	mu   sync.Mutex
	file *os.File
}

// NewLogger はdir配下のログファイルへ出力するLoggerを作成する
// dirが空の場合は標準エラー出力へ書き込む
func NewLogger(dir string, level string) (*Logger, error) {
	if dir == "" {
		return NewWithWriter(os.Stderr, level), nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("ログディレクトリの作成に失敗: %w", err)
	}

	file, err := os.OpenFile(filepath.Join(dir, LogFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("ログファイルのオープンに失敗: %w", err)
	}

	l := NewWithWriter(file, level)
	l.out.file = file
	return l, nil
}

// NewWithWriter は任意のWriterへ出力するLoggerを作成する
func NewWithWriter(w io.Writer, level string) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: toSlogLevel(level)})
	return &Logger{
		logger: slog.New(handler),
		out:    &output{},
	}
}

// NopLogger は全ての出力を破棄するLoggerを返す（テスト用）
func NopLogger() *Logger {
	return NewWithWriter(io.Discard, LevelError)
}

// With は任意のキー・値を付与した子ロガーを返す
func (l *Logger) With(args ...any) *Logger {
	if len(args) == 0 {
		return l
	}
	return &Logger{logger: l.logger.With(args...), out: l.out}
}

// WithDevice はデバイスのシリアル番号を付与した子ロガーを返す
func (l *Logger) WithDevice(serial string) *Logger {
	return l.With("serial", serial)
}

// WithComponent はコンポーネント名を付与した子ロガーを返す
func (l *Logger) WithComponent(name string) *Logger {
	return l.With("component", name)
}

// Debug はDEBUGレベルで出力する
func (l *Logger) Debug(msg string, args ...any) {
	l.logger.Log(context.Background(), slog.LevelDebug, msg, args...)
}

// Info はINFOレベルで出力する
func (l *Logger) Info(msg string, args ...any) {
	l.logger.Log(context.Background(), slog.LevelInfo, msg, args...)
}

// Warn はWARNレベルで出力する
func (l *Logger) Warn(msg string, args ...any) {
	l.logger.Log(context.Background(), slog.LevelWarn, msg, args...)
}

// Error はERRORレベルで出力する
func (l *Logger) Error(msg string, args ...any) {
	l.logger.Log(context.Background(), slog.LevelError, msg, args...)
}

// Close はログファイルをフラッシュしてクローズする
// 標準エラー出力の場合は何もしない
func (l *Logger) Close() error {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()

	if l.out.file == nil {
		return nil
	}
	if err := l.out.file.Sync(); err != nil {
		return fmt.Errorf("ログファイルの同期に失敗: %w", err)
	}
	if err := l.out.file.Close(); err != nil {
		return fmt.Errorf("ログファイルのクローズに失敗: %w", err)
	}
	l.out.file = nil
	return nil
}

// ParseLevel はレベル文字列を正規化する。不明な値はINFOとみなす
func ParseLevel(level string) string {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn, "WARNING":
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

// ValidLevels は有効なレベル文字列一覧を返す
func ValidLevels() []string {
	return []string{LevelDebug, LevelInfo, LevelWarn, LevelError}
}

func toSlogLevel(level string) slog.Level {
	switch ParseLevel(level) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
