package camera

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fukugan/internal/config"
)

const listCtrlsOutput = `
User Controls

                     brightness 0x00980900 (int)    : min=-64 max=64 step=1 default=0 value=0
                emitter_enabled 0x009a0901 (int)    : min=0 max=2 step=1 default=1 value=1
                    laser_power 0x009a0902 (int)    : min=0 max=360 step=30 default=150 value=150
`

// testJPEG はテスト用のw×hのJPEGを返す
func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

// fakeRunner はv4l2-ctl / ffmpegの呼び出しを記録して固定の出力を返す
type fakeRunner struct {
	mu       sync.Mutex
	calls    [][]string
	frame    []byte
	frameErr error
	infoErr  error
}

func (f *fakeRunner) run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, append([]string{name}, args...))

	if name == "ffmpeg" {
		return f.frame, f.frameErr
	}

	switch {
	case containsString(args, "--info"):
		return []byte("Driver name : uvcvideo\n"), f.infoErr
	case containsString(args, "--list-ctrls"):
		return []byte(listCtrlsOutput), nil
	default:
		return nil, nil
	}
}

// setCtrls は --set-ctrl の引数一覧を返す
func (f *fakeRunner) setCtrls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []string
	for _, c := range f.calls {
		for i, a := range c {
			if a == "--set-ctrl" && i+1 < len(c) {
				out = append(out, c[i+1])
			}
		}
	}
	return out
}

func (f *fakeRunner) count(arg string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, c := range f.calls {
		if containsString(c, arg) {
			n++
		}
	}
	return n
}

func newTestSession(t *testing.T, runner *fakeRunner) (*V4L2Session, afero.Fs) {
	t.Helper()

	cfg := config.Default()
	cfg.Dataset.PathPrefix = "/data"
	cfg.Camera.PreviewWidth = 8

	fs := afero.NewMemMapFs()
	creator := NewV4L2SessionCreator(cfg, fs, runner.run, nil)

	session, err := creator.CreateSession(context.Background(), DeviceInfo{
		Serial: "817612070540",
		Name:   "Intel RealSense D435",
		Device: "/dev/video0",
		Driver: "uvcvideo",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session.(*V4L2Session), fs
}

func TestV4L2SessionCreator_DeviceUnavailable(t *testing.T) {
	runner := &fakeRunner{infoErr: errors.New("no such device")}
	creator := NewV4L2SessionCreator(config.Default(), afero.NewMemMapFs(), runner.run, nil)

	_, err := creator.CreateSession(context.Background(), DeviceInfo{Serial: "X", Device: "/dev/video9"})
	assert.Error(t, err)
}

func TestV4L2Session_WriteData(t *testing.T) {
	frame := testJPEG(t, 16, 12)
	runner := &fakeRunner{frame: frame}
	session, fs := newTestSession(t, runner)
	ctx := context.Background()

	assert.ErrorIs(t, session.WriteData(ctx), ErrNoFrame)

	require.NoError(t, session.WaitForFrame(ctx))
	require.NoError(t, session.WriteData(ctx))

	frames, err := afero.Glob(fs, "/data/dataset/817612070540/*/*/rgb_8UC3.jpg")
	require.NoError(t, err)
	require.Len(t, frames, 1)

	data, err := afero.ReadFile(fs, frames[0])
	require.NoError(t, err)
	assert.Equal(t, frame, data)

	meta, err := afero.ReadFile(fs, filepath.Join(filepath.Dir(frames[0]), "rgb_8UC3_meta.csv"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(meta), "Stream,Color\nMetadata Attribute,Value\n"))
	assert.Contains(t, string(meta), "Serial,817612070540\n")
	assert.Contains(t, string(meta), "Frame Counter,1\n")
	assert.Contains(t, string(meta), "Width,1280\n")
}

func TestV4L2Session_CaptureArgs(t *testing.T) {
	runner := &fakeRunner{frame: testJPEG(t, 4, 4)}
	session, _ := newTestSession(t, runner)

	require.NoError(t, session.WaitForFrame(context.Background()))

	runner.mu.Lock()
	defer runner.mu.Unlock()

	var args []string
	for _, c := range runner.calls {
		if c[0] == "ffmpeg" {
			args = c
		}
	}
	require.NotEmpty(t, args)

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-framerate 30")
	assert.Contains(t, joined, "-video_size 1280x720")
	assert.Contains(t, joined, "-i /dev/video0")
}

func TestV4L2Session_WaitForFrameTimeout(t *testing.T) {
	runner := &fakeRunner{frameErr: errors.New("select timeout")}
	session, _ := newTestSession(t, runner)

	err := session.WaitForFrame(context.Background())
	assert.ErrorIs(t, err, ErrFrameTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, session.WaitForFrame(ctx), context.Canceled)
}

func TestV4L2Session_InvalidFrame(t *testing.T) {
	runner := &fakeRunner{frame: []byte("not a jpeg")}
	session, _ := newTestSession(t, runner)

	assert.ErrorIs(t, session.WaitForFrame(context.Background()), ErrFrameTimeout)
}

func TestV4L2Session_SetLaser(t *testing.T) {
	runner := &fakeRunner{}
	session, _ := newTestSession(t, runner)
	ctx := context.Background()

	require.NoError(t, session.SetLaser(ctx, true, LaserPower{Level: LaserMax}))
	require.NoError(t, session.SetLaser(ctx, true, LaserPower{Level: LaserMid}))
	require.NoError(t, session.SetLaser(ctx, true, LaserPower{Level: LaserCustom, Value: 1000}))
	require.NoError(t, session.SetLaser(ctx, false, LaserPower{Level: LaserMax}))
	require.NoError(t, session.SetLaser(ctx, true, KeepLaserPower()))

	ctrls := runner.setCtrls()
	require.Len(t, ctrls, 5)
	assert.ElementsMatch(t, []string{"emitter_enabled=1", "laser_power=360"}, strings.Split(ctrls[0], ","))
	assert.ElementsMatch(t, []string{"emitter_enabled=1", "laser_power=180"}, strings.Split(ctrls[1], ","))
	assert.ElementsMatch(t, []string{"emitter_enabled=1", "laser_power=360"}, strings.Split(ctrls[2], ","))
	assert.Equal(t, "emitter_enabled=0", ctrls[3], "無効化する場合は出力を設定しない")
	assert.Equal(t, "emitter_enabled=1", ctrls[4])

	// 値域の問い合わせは初回のみ
	assert.Equal(t, 1, runner.count("--list-ctrls"))
}

func TestV4L2Session_StabiliseExposure(t *testing.T) {
	runner := &fakeRunner{frame: testJPEG(t, 4, 4)}
	session, _ := newTestSession(t, runner)

	require.NoError(t, session.StabiliseExposure(context.Background(), 5))
	assert.Equal(t, 5, runner.count("ffmpeg"))

	runner.mu.Lock()
	runner.frameErr = errors.New("select timeout")
	runner.mu.Unlock()
	assert.ErrorIs(t, session.StabiliseExposure(context.Background(), 3), ErrFrameTimeout)
}

func TestV4L2Session_Preview(t *testing.T) {
	runner := &fakeRunner{frame: testJPEG(t, 32, 16)}
	session, _ := newTestSession(t, runner)

	frames, cancel, ok := session.Subscribe()
	require.True(t, ok)
	defer cancel()

	require.NoError(t, session.WaitForFrame(context.Background()))

	select {
	case f := <-frames:
		img, err := jpeg.Decode(bytes.NewReader(f))
		require.NoError(t, err)
		assert.Equal(t, 8, img.Bounds().Dx())
		assert.Equal(t, 4, img.Bounds().Dy())
	case <-time.After(time.Second):
		t.Fatal("プレビューが配信されませんでした")
	}

	require.NoError(t, session.Close())
	_, ok = <-frames
	assert.False(t, ok, "クローズでプレビューのチャンネルが閉じる")
	assert.ErrorIs(t, session.WaitForFrame(context.Background()), ErrSessionClosed)
}

func TestV4L2Session_PreviewDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.Camera.GUIEnabled = false

	runner := &fakeRunner{}
	session, err := NewV4L2SessionCreator(cfg, afero.NewMemMapFs(), runner.run, nil).
		CreateSession(context.Background(), DeviceInfo{Serial: "X", Device: "/dev/video0"})
	require.NoError(t, err)

	_, _, ok := session.Subscribe()
	assert.False(t, ok)
}

func TestParseControlRange(t *testing.T) {
	r, err := parseControlRange([]byte(listCtrlsOutput), "laser_power")
	require.NoError(t, err)
	assert.Equal(t, ControlRange{Min: 0, Max: 360, Step: 30, Default: 150}, r)

	r, err = parseControlRange([]byte(listCtrlsOutput), "brightness")
	require.NoError(t, err)
	assert.Equal(t, -64.0, r.Min)

	_, err = parseControlRange([]byte(listCtrlsOutput), "exposure")
	assert.Error(t, err)
}

func TestMockSession_Stabilise(t *testing.T) {
	m := NewMockSession(MockDevice(0))
	require.NoError(t, m.StabiliseExposure(context.Background(), 4))
	assert.Equal(t, 4, m.Frames())

	m.SetFrameError(ErrFrameTimeout)
	assert.ErrorIs(t, m.StabiliseExposure(context.Background(), 2), ErrFrameTimeout)

	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.WaitForFrame(context.Background()), ErrSessionClosed)
	assert.ErrorIs(t, m.WriteData(context.Background()), ErrSessionClosed)
}
