package camera

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// CommandRunner は外部コマンドを実行して標準出力を返す
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner はos/execで外部コマンドを実行する
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s の実行に失敗: %w (stderr: %s)", name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// V4L2Capturer はシェルコマンドを使ってV4L2デバイスから画像を取得する
type V4L2Capturer struct {
	devicePath string
	width      int
	height     int
	fps        int
	run        CommandRunner
}

// NewV4L2Capturer は新しいV4L2Capturerを作成する
func NewV4L2Capturer(devicePath string, width, height, fps int, run CommandRunner) *V4L2Capturer {
	if run == nil {
		run = ExecRunner
	}
	return &V4L2Capturer{
		devicePath: devicePath,
		width:      width,
		height:     height,
		fps:        fps,
		run:        run,
	}
}

// IsDeviceAvailable はV4L2デバイスが利用可能かチェックする
func (c *V4L2Capturer) IsDeviceAvailable(ctx context.Context) bool {
	_, err := c.run(ctx, "v4l2-ctl", "--device", c.devicePath, "--info")
	return err == nil
}

// CaptureFrameAsJPEG は1フレームをキャプチャしてJPEGバイト配列として返す
func (c *V4L2Capturer) CaptureFrameAsJPEG(ctx context.Context) ([]byte, error) {
	out, err := c.run(ctx,
		"ffmpeg",
		"-loglevel", "error",
		"-f", "v4l2",
		"-framerate", strconv.Itoa(c.fps),
		"-video_size", fmt.Sprintf("%dx%d", c.width, c.height),
		"-i", c.devicePath,
		"-vframes", "1",
		"-f", "image2",
		"-c:v", "mjpeg",
		"-q:v", "2", // 高品質JPEG
		"-",
	)
	if err != nil {
		return nil, fmt.Errorf("JPEGフレームキャプチャに失敗: %w", err)
	}
	if !isJPEG(out) {
		return nil, fmt.Errorf("JPEGフレームキャプチャに失敗: 不正なデータ (%d bytes)", len(out))
	}
	return out, nil
}

// SetControls はカメラのコントロールを設定する
// 値はint / float64 / bool / stringのいずれか
func (c *V4L2Capturer) SetControls(ctx context.Context, controls map[string]any) error {
	pairs := make([]string, 0, len(controls))
	for control, value := range controls {
		var strValue string
		switch v := value.(type) {
		case int:
			strValue = strconv.Itoa(v)
		case float64:
			strValue = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			strValue = "0"
			if v {
				strValue = "1"
			}
		case string:
			strValue = v
		default:
			return fmt.Errorf("サポートされていない値の型: %T", value)
		}
		pairs = append(pairs, control+"="+strValue)
	}
	if len(pairs) == 0 {
		return nil
	}

	if _, err := c.run(ctx, "v4l2-ctl", "--device", c.devicePath, "--set-ctrl", strings.Join(pairs, ",")); err != nil {
		return fmt.Errorf("コントロール %s の設定に失敗: %w", strings.Join(pairs, ","), err)
	}
	return nil
}

// QueryControlRange はコントロールの値域を取得する
func (c *V4L2Capturer) QueryControlRange(ctx context.Context, control string) (ControlRange, error) {
	out, err := c.run(ctx, "v4l2-ctl", "--device", c.devicePath, "--list-ctrls")
	if err != nil {
		return ControlRange{}, fmt.Errorf("コントロール一覧の取得に失敗: %w", err)
	}
	return parseControlRange(out, control)
}

// parseControlRange は v4l2-ctl --list-ctrls の出力から値域を読み取る
//
//	laser_power 0x009a0902 (int)    : min=0 max=360 step=30 default=150 value=150
func parseControlRange(out []byte, control string) (ControlRange, error) {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		fields := strings.Fields(line)
		if len(fields) == 0 || fields[0] != control {
			continue
		}

		_, attrs, ok := strings.Cut(line, ":")
		if !ok {
			break
		}

		r := ControlRange{Step: 1}
		for _, kv := range strings.Fields(attrs) {
			key, val, ok := strings.Cut(kv, "=")
			if !ok {
				continue
			}
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				continue
			}
			switch key {
			case "min":
				r.Min = f
			case "max":
				r.Max = f
			case "step":
				r.Step = f
			case "default":
				r.Default = f
			}
		}
		return r, nil
	}

	return ControlRange{}, fmt.Errorf("コントロール %s が見つかりません", control)
}

func isJPEG(data []byte) bool {
	return len(data) > 4 &&
		data[0] == 0xFF && data[1] == 0xD8 &&
		data[len(data)-2] == 0xFF && data[len(data)-1] == 0xD9
}
