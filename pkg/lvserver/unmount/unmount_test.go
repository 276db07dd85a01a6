package unmount

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/function61/gokit/assert"
	"github.com/function61/gokit/logex"
	"github.com/function61/levyvahti/pkg/blockdev"
	"github.com/function61/levyvahti/pkg/config"
	"github.com/function61/levyvahti/pkg/lvserver/lifecycledb"
	"github.com/function61/levyvahti/pkg/lvtypes"
)

var testIdentity = lvtypes.DeviceIdentity{Model: "ST4000DM004", Serial: "ZFN1TEST"}

type fakeMounts struct {
	mounts []blockdev.Mount
	err    error
}

func (f *fakeMounts) MountsOf(osName string) ([]blockdev.Mount, error) {
	return f.mounts, f.err
}

type fakeLedger struct {
	attempts []lifecycledb.UnmountAttempt
}

func (f *fakeLedger) RecordUnmountAttempt(_ lvtypes.DeviceIdentity, attempt lifecycledb.UnmountAttempt) error {
	f.attempts = append(f.attempts, attempt)
	return nil
}

func (f *fakeLedger) LastUnmountAttempt(_ lvtypes.DeviceIdentity) (*lifecycledb.UnmountAttempt, error) {
	if len(f.attempts) == 0 {
		return nil, nil
	}
	return &f.attempts[len(f.attempts)-1], nil
}

type fakeRunner struct {
	calls []string
	fail  bool
}

func (f *fakeRunner) run(ctx context.Context, mountpoint string) error {
	f.calls = append(f.calls, mountpoint)
	if f.fail {
		return errors.New("umount: target is busy")
	}
	return nil
}

func emergencyRecord() *lvtypes.DeviceRecord {
	return &lvtypes.DeviceRecord{
		OsName:   "sdb",
		Identity: testIdentity,
		Decision: &lvtypes.Decision{
			Status:              lvtypes.DecisionEmergency,
			CanEmergencyUnmount: true,
		},
	}
}

type testEnv struct {
	executor *Executor
	mounts   *fakeMounts
	ledger   *fakeLedger
	runner   *fakeRunner
	now      *time.Time
}

func newTestEnv(t *testing.T, mode config.UnmountMode, mounts []blockdev.Mount) *testEnv {
	t.Helper()

	env := &testEnv{
		mounts: &fakeMounts{mounts: mounts},
		ledger: &fakeLedger{},
		runner: &fakeRunner{},
	}

	now := time.Date(2025, 11, 3, 12, 0, 0, 0, time.UTC)
	env.now = &now

	env.executor = New(mode, 30*time.Minute, env.mounts, env.ledger, env.runner.run, logex.Discard)
	env.executor.now = func() time.Time { return *env.now }

	return env
}

func TestActiveModeUnmounts(t *testing.T) {
	env := newTestEnv(t, config.UnmountModeActive, []blockdev.Mount{
		{Source: "/dev/sdb1", MountPoint: "/mnt/backup"},
	})

	result := env.executor.Consider(context.Background(), emergencyRecord())

	assert.Assert(t, result.Evaluated)
	assert.Assert(t, !result.Refused)
	assert.Assert(t, len(result.Unmounted) == 1)
	assert.EqualString(t, result.Unmounted[0], "/mnt/backup")
	assert.EqualString(t, env.runner.calls[0], "/mnt/backup")

	// attempt recorded
	assert.Assert(t, len(env.ledger.attempts) == 1)
	assert.Assert(t, env.ledger.attempts[0].Succeeded)
}

func TestGate1NoEmergencyIsSilentNoop(t *testing.T) {
	env := newTestEnv(t, config.UnmountModeActive, []blockdev.Mount{
		{Source: "/dev/sdb1", MountPoint: "/mnt/backup"},
	})

	rec := emergencyRecord()
	rec.Decision.Status = lvtypes.DecisionCritical

	result := env.executor.Consider(context.Background(), rec)

	assert.Assert(t, !result.Evaluated)
	assert.Assert(t, len(env.runner.calls) == 0)
	assert.Assert(t, len(env.ledger.attempts) == 0)
}

func TestGate2CanUnmountFalseRefuses(t *testing.T) {
	env := newTestEnv(t, config.UnmountModeActive, []blockdev.Mount{
		{Source: "/dev/sdb1", MountPoint: "/mnt/backup"},
	})

	rec := emergencyRecord()
	rec.Decision.CanEmergencyUnmount = false

	result := env.executor.Consider(context.Background(), rec)

	assert.Assert(t, result.Refused)
	assert.EqualString(t, result.Reason, "can_emergency_unmount is false")
	assert.Assert(t, len(env.runner.calls) == 0)
}

func TestGate3NotMountedRefuses(t *testing.T) {
	env := newTestEnv(t, config.UnmountModeActive, nil)

	result := env.executor.Consider(context.Background(), emergencyRecord())

	assert.Assert(t, result.Refused)
	assert.EqualString(t, result.Reason, "device is not mounted")
}

func TestGate4CriticalPathRefuses(t *testing.T) {
	env := newTestEnv(t, config.UnmountModeActive, []blockdev.Mount{
		{Source: "/dev/sdb1", MountPoint: "/home"},
	})

	result := env.executor.Consider(context.Background(), emergencyRecord())

	assert.Assert(t, result.Refused)
	assert.EqualString(t, result.Reason, "critical_path: /home")
	assert.Assert(t, len(env.runner.calls) == 0)

	// cooldown armed even though refused
	assert.Assert(t, len(env.ledger.attempts) == 1)
	assert.Assert(t, !env.ledger.attempts[0].Succeeded)
}

func TestGate4IneligibleMountpointRefuses(t *testing.T) {
	env := newTestEnv(t, config.UnmountModeActive, []blockdev.Mount{
		{Source: "/dev/sdb1", MountPoint: "/srv/data"},
	})

	result := env.executor.Consider(context.Background(), emergencyRecord())

	assert.Assert(t, result.Refused)
	assert.Assert(t, strings.Contains(result.Reason, "no eligible mountpoints"))
}

func TestGate5CooldownRefuses(t *testing.T) {
	env := newTestEnv(t, config.UnmountModeActive, []blockdev.Mount{
		{Source: "/dev/sdb1", MountPoint: "/mnt/backup"},
	})

	first := env.executor.Consider(context.Background(), emergencyRecord())
	assert.Assert(t, !first.Refused)

	// 10 minutes later: still within the 30 minute window
	*env.now = env.now.Add(10 * time.Minute)

	second := env.executor.Consider(context.Background(), emergencyRecord())
	assert.Assert(t, second.Refused)
	assert.Assert(t, strings.Contains(second.Reason, "cooldown active"))

	// past the window: allowed again
	*env.now = env.now.Add(25 * time.Minute)

	third := env.executor.Consider(context.Background(), emergencyRecord())
	assert.Assert(t, !third.Refused)
	assert.Assert(t, len(env.runner.calls) == 2)
}

func TestFailedUnmountStillArmsCooldown(t *testing.T) {
	env := newTestEnv(t, config.UnmountModeActive, []blockdev.Mount{
		{Source: "/dev/sdb1", MountPoint: "/mnt/backup"},
	})
	env.runner.fail = true

	result := env.executor.Consider(context.Background(), emergencyRecord())

	assert.Assert(t, !result.Refused)
	assert.Assert(t, len(result.Failed) == 1)
	assert.Assert(t, len(env.ledger.attempts) == 1)
	assert.Assert(t, !env.ledger.attempts[0].Succeeded)

	*env.now = env.now.Add(5 * time.Minute)

	retry := env.executor.Consider(context.Background(), emergencyRecord())
	assert.Assert(t, retry.Refused)
	assert.Assert(t, strings.Contains(retry.Reason, "cooldown active"))
}

func TestPassiveModeNeverActs(t *testing.T) {
	env := newTestEnv(t, config.UnmountModePassive, []blockdev.Mount{
		{Source: "/dev/sdb1", MountPoint: "/mnt/backup"},
	})

	result := env.executor.Consider(context.Background(), emergencyRecord())

	assert.Assert(t, result.Evaluated)
	assert.Assert(t, !result.Refused)
	assert.Assert(t, strings.Contains(result.Reason, "PASSIVE mode: would unmount /mnt/backup"))
	assert.Assert(t, len(env.runner.calls) == 0)
	assert.Assert(t, len(env.ledger.attempts) == 0)
}

func TestMultipleMountpointsUnmountedSequentially(t *testing.T) {
	env := newTestEnv(t, config.UnmountModeActive, []blockdev.Mount{
		{Source: "/dev/sdb1", MountPoint: "/mnt/backup"},
		{Source: "/dev/sdb2", MountPoint: "/media/usb0"},
	})

	result := env.executor.Consider(context.Background(), emergencyRecord())

	assert.Assert(t, len(result.Unmounted) == 2)
	assert.EqualString(t, env.runner.calls[0], "/mnt/backup")
	assert.EqualString(t, env.runner.calls[1], "/media/usb0")
}

func TestCriticalMountpointMatching(t *testing.T) {
	assert.Assert(t, isCriticalMountpoint("/"))
	assert.Assert(t, isCriticalMountpoint("/home"))
	assert.Assert(t, isCriticalMountpoint("/boot/efi"))
	assert.Assert(t, isCriticalMountpoint("/var/log"))

	assert.Assert(t, !isCriticalMountpoint("/mnt/backup"))
	assert.Assert(t, !isCriticalMountpoint("/homeland")) // prefix, not path prefix
	assert.Assert(t, !isCriticalMountpoint("/media/usb0"))
}
