// Package dataset はキャプチャデータの保存先ディレクトリ構成を担う
//
// # 仕様
// - 保存先: <prefix>/<name>/<serial>/<YYYY_MM_DD>/<HH_MM_SS_mmm>/<ファイル名><拡張子>
// - ストリームごとにメタデータCSV（<ファイル名><metadata_ext>）を書き出す
// - ファイルシステムはafero.Fsで抽象化する（テストではメモリFSを使う）
package dataset

import (
	"encoding/csv"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"fukugan/internal/config"
)

// Stream は保存するストリームの種類
type Stream int

const (
	StreamColour Stream = iota // カラー画像
	StreamDepth                // 深度画像
	StreamIR                   // 赤外線画像
)

// String はストリーム名を返す
func (s Stream) String() string {
	switch s {
	case StreamColour:
		return "Color"
	case StreamDepth:
		return "Depth"
	case StreamIR:
		return "Infrared"
	default:
		return "Unknown"
	}
}

// Layout は1台のデバイスの保存先を表す
type Layout struct {
	fs     afero.Fs
	parent string
	names  config.FileNames
}

// NewLayout は新しいLayoutを作成する
func NewLayout(fs afero.Fs, cfg config.DatasetConfig, serial string) *Layout {
	return &Layout{
		fs:     fs,
		parent: filepath.Join(cfg.PathPrefix, cfg.Name, serial),
		names:  cfg.FileNames,
	}
}

// Parent はデバイス単位の親ディレクトリを返す
func (l *Layout) Parent() string {
	return l.parent
}

// NewCapture は時刻からキャプチャ用ディレクトリを作成する
func (l *Layout) NewCapture(now time.Time) (*Capture, error) {
	date := now.Format("2006_01_02")
	clock := fmt.Sprintf("%s_%03d", now.Format("15_04_05"), now.Nanosecond()/int(time.Millisecond))

	dir := filepath.Join(l.parent, date, clock)
	if err := l.fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("保存先ディレクトリの作成に失敗: %w", err)
	}

	return &Capture{fs: l.fs, dir: dir, names: l.names, Time: now}, nil
}

// Capture は1回の保存操作に対応するディレクトリ
type Capture struct {
	fs    afero.Fs
	dir   string
	names config.FileNames

	Time time.Time
}

// Dir はキャプチャディレクトリを返す
func (c *Capture) Dir() string {
	return c.dir
}

// FilePath はストリームのファイルパスを返す
// metaがtrueの場合はメタデータCSVのパスを返す
func (c *Capture) FilePath(stream Stream, meta bool) string {
	ext := c.names.FrameExt
	if meta {
		ext = c.names.MetadataExt
	}
	return filepath.Join(c.dir, c.baseName(stream)+ext)
}

func (c *Capture) baseName(stream Stream) string {
	switch stream {
	case StreamDepth:
		return c.names.Depth
	case StreamIR:
		return c.names.IR
	default:
		return c.names.Colour
	}
}

// WriteFrame はフレームデータをそのまま書き出す
func (c *Capture) WriteFrame(stream Stream, data []byte) (string, error) {
	path := c.FilePath(stream, false)
	if err := afero.WriteFile(c.fs, path, data, 0644); err != nil {
		return "", fmt.Errorf("フレームの書き込みに失敗: %w", err)
	}
	return path, nil
}

// Attribute はメタデータの1項目
type Attribute struct {
	Name  string
	Value string
}

// WriteMetadata はストリームのメタデータをCSVで書き出す
//
//	Stream,<ストリーム名>
//	Metadata Attribute,Value
//	<名前>,<値>
func (c *Capture) WriteMetadata(stream Stream, attrs []Attribute) (string, error) {
	path := c.FilePath(stream, true)

	f, err := c.fs.Create(path)
	if err != nil {
		return "", fmt.Errorf("メタデータファイルの作成に失敗: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	w := csv.NewWriter(f)
	records := make([][]string, 0, len(attrs)+2)
	records = append(records, []string{"Stream", stream.String()}, []string{"Metadata Attribute", "Value"})
	for _, a := range attrs {
		records = append(records, []string{a.Name, a.Value})
	}

	if err := w.WriteAll(records); err != nil {
		return "", fmt.Errorf("メタデータの書き込みに失敗: %w", err)
	}

	return path, nil
}
