// Package command はオペレーターのコマンド文字列を解釈してレジストリの操作に変換する
//
// # 仕様
// - トークン: save/s, laser0/l0, laser1/l1 [power|min|mid|max], stab/st, help/h, quit/q
// - トークンの末尾に @N を付けると走査順でN番目のカメラだけを対象にする
// - 1つのコマンドはレジストリの1回の呼び出しに対応する
package command

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"fukugan/internal/camera"
)

var (
	// ErrUnknownCommand は解釈できないコマンドのエラー
	ErrUnknownCommand = errors.New("不明なコマンド")

	// ErrQuit は終了コマンドを受け取ったことを表す
	ErrQuit = errors.New("終了が要求されました")
)

// Action はコマンドの種類
type Action string

const (
	ActionSave      Action = "save"
	ActionLaserOff  Action = "laser0"
	ActionLaserOn   Action = "laser1"
	ActionStabilise Action = "stab"
	ActionHelp      Action = "help"
	ActionQuit      Action = "quit"
)

var aliases = map[string]Action{
	"save":   ActionSave,
	"s":      ActionSave,
	"laser0": ActionLaserOff,
	"l0":     ActionLaserOff,
	"laser1": ActionLaserOn,
	"l1":     ActionLaserOn,
	"stab":   ActionStabilise,
	"st":     ActionStabilise,
	"help":   ActionHelp,
	"h":      ActionHelp,
	"quit":   ActionQuit,
	"q":      ActionQuit,
}

// HelpText はコマンド一覧の説明
const HelpText = `コマンド一覧:
  save, s                          全カメラのフレームを保存
  laser0, l0                       レーザーを無効化
  laser1, l1 [power|min|mid|max]   レーザーを有効化（出力を指定可能）
  stab, st                         露出を安定化
  help, h                          このヘルプを表示
  quit, q                          終了
トークンの末尾に @N を付けるとN番目のカメラだけを対象にする（例: l1@0 max）`

// Command は解釈済みのコマンド
type Command struct {
	Action Action
	Target camera.Target
	Power  camera.LaserPower // ActionLaserOnのみ
}

// Parse はコマンド文字列を解釈する
func Parse(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("%w: 空のコマンド", ErrUnknownCommand)
	}

	token, target, err := splitTarget(fields[0])
	if err != nil {
		return Command{}, err
	}

	action, ok := aliases[strings.ToLower(token)]
	if !ok {
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, fields[0])
	}

	cmd := Command{Action: action, Target: target, Power: camera.KeepLaserPower()}
	args := fields[1:]

	if action == ActionLaserOn && len(args) > 0 {
		if len(args) > 1 {
			return Command{}, fmt.Errorf("%w: 引数が多すぎます: %q", ErrUnknownCommand, line)
		}
		power, err := camera.ParseLaserPower(args[0])
		if err != nil {
			return Command{}, err
		}
		cmd.Power = power
		return cmd, nil
	}

	if len(args) > 0 {
		return Command{}, fmt.Errorf("%w: %s は引数を取りません", ErrUnknownCommand, action)
	}
	return cmd, nil
}

// splitTarget は "token@N" を分割する
func splitTarget(field string) (string, camera.Target, error) {
	token, index, found := strings.Cut(field, "@")
	if !found {
		return token, camera.All(), nil
	}

	i, err := strconv.Atoi(index)
	if err != nil || i < 0 {
		return "", camera.Target{}, fmt.Errorf("%w: 無効なインデックス %q", ErrUnknownCommand, index)
	}
	return token, camera.At(i), nil
}

// String はコマンドを文字列に戻す
func (c Command) String() string {
	s := string(c.Action)
	if i, ok := c.Target.Index(); ok {
		s += "@" + strconv.Itoa(i)
	}
	if c.Action == ActionLaserOn && c.Power.Level != camera.LaserKeep {
		s += " " + c.Power.String()
	}
	return s
}

// Controller はコマンドの実行先（camera.Registry）
type Controller interface {
	SaveFrames(ctx context.Context, target camera.Target) camera.Result
	SetLaser(ctx context.Context, target camera.Target, enabled bool, power camera.LaserPower) camera.Result
	StabiliseExposure(ctx context.Context, target camera.Target) camera.Result
}

// Execute はコマンドを実行する
// helpは何もせずに戻り、quitはErrQuitを返す
func Execute(ctx context.Context, ctrl Controller, cmd Command) (camera.Result, error) {
	switch cmd.Action {
	case ActionSave:
		return ctrl.SaveFrames(ctx, cmd.Target), nil
	case ActionLaserOff:
		return ctrl.SetLaser(ctx, cmd.Target, false, camera.KeepLaserPower()), nil
	case ActionLaserOn:
		return ctrl.SetLaser(ctx, cmd.Target, true, cmd.Power), nil
	case ActionStabilise:
		return ctrl.StabiliseExposure(ctx, cmd.Target), nil
	case ActionHelp:
		return camera.Result{}, nil
	case ActionQuit:
		return camera.Result{}, ErrQuit
	default:
		return camera.Result{}, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Action)
	}
}
