package camera

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidLaserPower はレーザー出力の指定が不正な場合のエラー
var ErrInvalidLaserPower = errors.New("無効なレーザー出力")

// LaserLevel はレーザー出力の指定方法
type LaserLevel int

const (
	LaserKeep   LaserLevel = iota // 出力を変更しない
	LaserMin                      // 最小出力
	LaserMid                      // 中間出力
	LaserMax                      // 最大出力
	LaserCustom                   // Valueで指定した出力
)

// LaserPower はレーザー出力の指定
type LaserPower struct {
	Level LaserLevel
	Value float64
}

// KeepLaserPower は出力を変更しない指定を返す
func KeepLaserPower() LaserPower { return LaserPower{Level: LaserKeep} }

// ParseLaserPower は "min" / "mid" / "max" / 数値 を解釈する
// 空文字は出力を変更しない指定になる
func ParseLaserPower(s string) (LaserPower, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return LaserPower{Level: LaserKeep}, nil
	case "min":
		return LaserPower{Level: LaserMin}, nil
	case "mid":
		return LaserPower{Level: LaserMid}, nil
	case "max":
		return LaserPower{Level: LaserMax}, nil
	}

	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v < 0 {
		return LaserPower{}, fmt.Errorf("%w: %q", ErrInvalidLaserPower, s)
	}
	return LaserPower{Level: LaserCustom, Value: v}, nil
}

// String はコマンドで使う表記を返す
func (p LaserPower) String() string {
	switch p.Level {
	case LaserMin:
		return "min"
	case LaserMid:
		return "mid"
	case LaserMax:
		return "max"
	case LaserCustom:
		return strconv.FormatFloat(p.Value, 'f', -1, 64)
	default:
		return ""
	}
}

// ControlRange はデバイスコントロールの値域
type ControlRange struct {
	Min     float64
	Max     float64
	Step    float64
	Default float64
}

// Resolve は値域に対する実際の出力値を返す
// 変更しない指定の場合はok=false。指定値は値域に丸める
func (p LaserPower) Resolve(r ControlRange) (value float64, ok bool) {
	switch p.Level {
	case LaserMin:
		return r.Min, true
	case LaserMid:
		return (r.Min + r.Max) / 2, true
	case LaserMax:
		return r.Max, true
	case LaserCustom:
		v := p.Value
		if v < r.Min {
			v = r.Min
		}
		if v > r.Max {
			v = r.Max
		}
		return v, true
	default:
		return 0, false
	}
}
