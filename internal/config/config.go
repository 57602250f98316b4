// Package config はアプリケーション設定の読み込みと検証を担う
//
// 設定はグローバルなシングルトンではなく、Loadで作成した値を
// 必要なコンポーネントへ明示的に渡す。
package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix は環境変数のプレフィックス（例: FUKUGAN_SERVER_PORT）
const EnvPrefix = "FUKUGAN"

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Camera    CameraConfig    `mapstructure:"camera" yaml:"camera"`
	Registry  RegistryConfig  `mapstructure:"registry" yaml:"registry"`
	Discovery DiscoveryConfig `mapstructure:"discovery" yaml:"discovery"`
	Dataset   DatasetConfig   `mapstructure:"dataset" yaml:"dataset"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`                               // リッスンするホスト
	Port int    `mapstructure:"port" yaml:"port" validate:"gte=0,lte=65535"` // リッスンするポート番号（0は任意のポート）

	// タイムアウト設定
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" validate:"gte=0"`   // 読み込みタイムアウト
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" validate:"gte=0"` // 書き込みタイムアウト（0はストリーミング用に無効）
}

// CameraConfig はセッション作成時に参照されるカメラの設定
type CameraConfig struct {
	Width  int `mapstructure:"width" yaml:"width" validate:"gt=0,lte=4096"`   // 画像幅
	Height int `mapstructure:"height" yaml:"height" validate:"gt=0,lte=4096"` // 画像高さ
	FPS    int `mapstructure:"fps" yaml:"fps" validate:"gt=0,lte=90"`         // フレームレート

	GUIEnabled   bool `mapstructure:"gui_enabled" yaml:"gui_enabled"`                     // プレビュー配信の有効/無効
	PreviewWidth int  `mapstructure:"preview_width" yaml:"preview_width" validate:"gte=0"` // プレビュー幅（0は縮小なし）

	StabiliseFrames   int  `mapstructure:"stabilise_frames" yaml:"stabilise_frames" validate:"gt=0"` // 露出安定化で読み捨てるフレーム数
	StabiliseOnAttach bool `mapstructure:"stabilise_on_attach" yaml:"stabilise_on_attach"`          // 接続時に露出安定化を行う

	// V4L2コントロール名
	LaserControl   string `mapstructure:"laser_control" yaml:"laser_control" validate:"required"`
	EmitterControl string `mapstructure:"emitter_control" yaml:"emitter_control" validate:"required"`
}

// RegistryConfig はデバイスレジストリの設定
type RegistryConfig struct {
	PollRateHz    int `mapstructure:"poll_rate_hz" yaml:"poll_rate_hz" validate:"gt=0,lte=1000"` // ポーリングの目標レート
	FanOutWorkers int `mapstructure:"fan_out_workers" yaml:"fan_out_workers" validate:"gte=0"`    // 一括操作の同時実行数（0はセッション数）
}

// DiscoveryConfig はデバイス検出の設定
type DiscoveryConfig struct {
	Driver   string        `mapstructure:"driver" yaml:"driver" validate:"oneof=linux mock"`
	DevDir   string        `mapstructure:"dev_dir" yaml:"dev_dir" validate:"required"`
	SysfsDir string        `mapstructure:"sysfs_dir" yaml:"sysfs_dir" validate:"required"`
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce" validate:"gte=0"` // ホットプラグ通知のまとめ時間

	MockDevices int `mapstructure:"mock_devices" yaml:"mock_devices" validate:"gte=0"` // driver=mock の場合の仮想カメラ台数
}

// DatasetConfig は保存先ディレクトリとファイル名の設定
type DatasetConfig struct {
	PathPrefix string    `mapstructure:"path_prefix" yaml:"path_prefix" validate:"required"`
	Name       string    `mapstructure:"name" yaml:"name" validate:"required"`
	FileNames  FileNames `mapstructure:"file_names" yaml:"file_names"`
}

// FileNames は保存するファイルの名前と拡張子
type FileNames struct {
	Colour      string `mapstructure:"colour" yaml:"colour" validate:"required"`
	Depth       string `mapstructure:"depth" yaml:"depth" validate:"required"`
	IR          string `mapstructure:"ir" yaml:"ir" validate:"required"`
	FrameExt    string `mapstructure:"frame_ext" yaml:"frame_ext" validate:"startswith=."`
	MetadataExt string `mapstructure:"metadata_ext" yaml:"metadata_ext" validate:"required"`
}

// LoggingConfig はログ出力の設定
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level" validate:"oneof=DEBUG INFO WARN ERROR debug info warn error"`
	Dir   string `mapstructure:"dir" yaml:"dir"` // 空の場合は標準エラー出力
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0,
		},
		Camera: CameraConfig{
			Width:             1280,
			Height:            720,
			FPS:               30,
			GUIEnabled:        true,
			PreviewWidth:      640,
			StabiliseFrames:   30,
			StabiliseOnAttach: false,
			LaserControl:      "laser_power",
			EmitterControl:    "emitter_enabled",
		},
		Registry: RegistryConfig{
			PollRateHz:    60,
			FanOutWorkers: 0,
		},
		Discovery: DiscoveryConfig{
			Driver:   "linux",
			DevDir:   "/dev",
			SysfsDir: "/sys",
			Debounce: 250 * time.Millisecond,

			MockDevices: 2,
		},
		Dataset: DatasetConfig{
			PathPrefix: "./",
			Name:       "dataset",
			FileNames: FileNames{
				Colour:      "rgb_8UC3",
				Depth:       "depth_16UC1",
				IR:          "ir_8UC1",
				FrameExt:    ".jpg",
				MetadataExt: "_meta.csv",
			},
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
	}
}

// Load は設定を読み込む
// デフォルト値 → 設定ファイル（pathが空でなければ必須） → 環境変数 の順に上書きする
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
	} else {
		v.SetConfigName("fukugan")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/fukugan")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("設定の変換に失敗: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// setDefaults は全キーのデフォルト値を登録する
// 環境変数による上書きはデフォルトが登録されたキーにのみ効く
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)

	v.SetDefault("camera.width", d.Camera.Width)
	v.SetDefault("camera.height", d.Camera.Height)
	v.SetDefault("camera.fps", d.Camera.FPS)
	v.SetDefault("camera.gui_enabled", d.Camera.GUIEnabled)
	v.SetDefault("camera.preview_width", d.Camera.PreviewWidth)
	v.SetDefault("camera.stabilise_frames", d.Camera.StabiliseFrames)
	v.SetDefault("camera.stabilise_on_attach", d.Camera.StabiliseOnAttach)
	v.SetDefault("camera.laser_control", d.Camera.LaserControl)
	v.SetDefault("camera.emitter_control", d.Camera.EmitterControl)

	v.SetDefault("registry.poll_rate_hz", d.Registry.PollRateHz)
	v.SetDefault("registry.fan_out_workers", d.Registry.FanOutWorkers)

	v.SetDefault("discovery.driver", d.Discovery.Driver)
	v.SetDefault("discovery.dev_dir", d.Discovery.DevDir)
	v.SetDefault("discovery.sysfs_dir", d.Discovery.SysfsDir)
	v.SetDefault("discovery.debounce", d.Discovery.Debounce)
	v.SetDefault("discovery.mock_devices", d.Discovery.MockDevices)

	v.SetDefault("dataset.path_prefix", d.Dataset.PathPrefix)
	v.SetDefault("dataset.name", d.Dataset.Name)
	v.SetDefault("dataset.file_names.colour", d.Dataset.FileNames.Colour)
	v.SetDefault("dataset.file_names.depth", d.Dataset.FileNames.Depth)
	v.SetDefault("dataset.file_names.ir", d.Dataset.FileNames.IR)
	v.SetDefault("dataset.file_names.frame_ext", d.Dataset.FileNames.FrameExt)
	v.SetDefault("dataset.file_names.metadata_ext", d.Dataset.FileNames.MetadataExt)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.dir", d.Logging.Dir)
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s (%s=%s)", fe.Namespace(), fe.Tag(), fe.Param()))
			}
			return fmt.Errorf("無効な設定値: %s", strings.Join(msgs, ", "))
		}
		return err
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Dump は有効な設定をYAMLで書き出す
func (c *Config) Dump(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("設定の書き出しに失敗: %w", err)
	}
	return enc.Close()
}
