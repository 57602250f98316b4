package command

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fukugan/internal/camera"
)

func TestParse(t *testing.T) {
	tests := []struct {
		line   string
		action Action
		target camera.Target
		power  camera.LaserPower
	}{
		{"save", ActionSave, camera.All(), camera.KeepLaserPower()},
		{"s", ActionSave, camera.All(), camera.KeepLaserPower()},
		{"S@1", ActionSave, camera.At(1), camera.KeepLaserPower()},
		{"laser0", ActionLaserOff, camera.All(), camera.KeepLaserPower()},
		{"l0@0", ActionLaserOff, camera.At(0), camera.KeepLaserPower()},
		{"laser1", ActionLaserOn, camera.All(), camera.KeepLaserPower()},
		{"l1 max", ActionLaserOn, camera.All(), camera.LaserPower{Level: camera.LaserMax}},
		{"l1@2 150", ActionLaserOn, camera.At(2), camera.LaserPower{Level: camera.LaserCustom, Value: 150}},
		{"  stab  ", ActionStabilise, camera.All(), camera.KeepLaserPower()},
		{"st@3", ActionStabilise, camera.At(3), camera.KeepLaserPower()},
		{"h", ActionHelp, camera.All(), camera.KeepLaserPower()},
		{"quit", ActionQuit, camera.All(), camera.KeepLaserPower()},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			cmd, err := Parse(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.action, cmd.Action)
			assert.Equal(t, tt.target, cmd.Target)
			assert.Equal(t, tt.power, cmd.Power)
		})
	}
}

func TestParse_Errors(t *testing.T) {
	for _, line := range []string{"", "   ", "shoot", "save@", "save@x", "save@-1", "save now", "l1 max 2"} {
		t.Run(line, func(t *testing.T) {
			_, err := Parse(line)
			assert.ErrorIs(t, err, ErrUnknownCommand)
		})
	}

	_, err := Parse("l1 loud")
	assert.ErrorIs(t, err, camera.ErrInvalidLaserPower)
}

func TestCommand_String(t *testing.T) {
	for _, line := range []string{"save", "laser0@1", "laser1@0 max", "laser1 150", "stab"} {
		cmd, err := Parse(line)
		require.NoError(t, err)
		assert.Equal(t, line, cmd.String())
	}
}

// recorder はControllerの呼び出しを記録する
type recorder struct {
	calls []string
	last  camera.Target
	on    bool
	power camera.LaserPower
}

func (r *recorder) SaveFrames(_ context.Context, target camera.Target) camera.Result {
	r.calls = append(r.calls, "save")
	r.last = target
	return camera.Result{Operation: camera.OpSave}
}

func (r *recorder) SetLaser(_ context.Context, target camera.Target, enabled bool, power camera.LaserPower) camera.Result {
	r.calls = append(r.calls, "laser")
	r.last, r.on, r.power = target, enabled, power
	return camera.Result{Operation: camera.OpLaser}
}

func (r *recorder) StabiliseExposure(_ context.Context, target camera.Target) camera.Result {
	r.calls = append(r.calls, "stab")
	r.last = target
	return camera.Result{Operation: camera.OpStabilise}
}

func TestExecute(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}

	run := func(line string) (camera.Result, error) {
		cmd, err := Parse(line)
		require.NoError(t, err)
		return Execute(ctx, rec, cmd)
	}

	res, err := run("s@1")
	require.NoError(t, err)
	assert.Equal(t, camera.OpSave, res.Operation)
	assert.Equal(t, camera.At(1), rec.last)

	_, err = run("l1 mid")
	require.NoError(t, err)
	assert.True(t, rec.on)
	assert.Equal(t, camera.LaserMid, rec.power.Level)

	_, err = run("l0")
	require.NoError(t, err)
	assert.False(t, rec.on)

	_, err = run("st")
	require.NoError(t, err)

	_, err = run("help")
	require.NoError(t, err)

	_, err = run("q")
	assert.ErrorIs(t, err, ErrQuit)

	assert.Equal(t, []string{"save", "laser", "laser", "stab"}, rec.calls)

	_, err = Execute(ctx, rec, Command{Action: "jump"})
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestRegistryIsController(t *testing.T) {
	var _ Controller = (*camera.Registry)(nil)
}
