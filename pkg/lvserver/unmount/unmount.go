// Emergency unmount executor. Five validation gates stand between an
// EMERGENCY verdict and an actual umount; PASSIVE mode evaluates the gates
// but never acts.
package unmount

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/retry"
	"github.com/function61/levyvahti/pkg/blockdev"
	"github.com/function61/levyvahti/pkg/config"
	"github.com/function61/levyvahti/pkg/lvserver/lifecycledb"
	"github.com/function61/levyvahti/pkg/lvtypes"
)

// unmounting any of these would take the host down with the disk
var criticalPaths = []string{"/", "/boot", "/home", "/usr", "/var"}

var eligiblePrefixes = []string{"/mnt/", "/media/"}

const umountTimeout = 10 * time.Second

type Ledger interface {
	RecordUnmountAttempt(identity lvtypes.DeviceIdentity, attempt lifecycledb.UnmountAttempt) error
	LastUnmountAttempt(identity lvtypes.DeviceIdentity) (*lifecycledb.UnmountAttempt, error)
}

// runs the actual umount; swapped out in tests
type Runner func(ctx context.Context, mountpoint string) error

// retrying because unmount fails while any process still accesses the mount
func UmountRunner(logger *log.Logger) Runner {
	logl := logex.Levels(logex.NonNil(logger))

	return func(ctx context.Context, mountpoint string) error {
		ctx, cancel := context.WithTimeout(ctx, umountTimeout)
		defer cancel()

		return retry.Retry(ctx, func(ctx context.Context) error {
			output, err := exec.CommandContext(ctx, "umount", mountpoint).CombinedOutput()
			if err != nil {
				return fmt.Errorf("umount %s: %v: %s", mountpoint, err, strings.TrimSpace(string(output)))
			}

			return nil
		}, retry.DefaultBackoff(), func(err error) {
			logl.Error.Printf("%v", err)
		})
	}
}

type Result struct {
	Evaluated bool     // the record was an emergency candidate at all
	Refused   bool     // a gate stopped the attempt
	Reason    string   // refusal reason or summary
	Unmounted []string // mountpoints successfully unmounted
	Failed    []string // mountpoints whose umount returned an error

	inCooldown bool // refused by the cooldown gate itself
}

type Executor struct {
	mode     config.UnmountMode
	cooldown time.Duration
	mounts   blockdev.MountLister
	ledger   Ledger
	run      Runner
	logl     *logex.Leveled
	now      func() time.Time
}

func New(
	mode config.UnmountMode,
	cooldown time.Duration,
	mounts blockdev.MountLister,
	ledger Ledger,
	run Runner,
	logger *log.Logger,
) *Executor {
	return &Executor{
		mode:     mode,
		cooldown: cooldown,
		mounts:   mounts,
		ledger:   ledger,
		run:      run,
		logl:     logex.Levels(logex.NonNil(logger)),
		now:      time.Now,
	}
}

// Consider is invoked after every snapshot publication. Gate 1 failing
// (no EMERGENCY) is the normal healthy path and leaves no trace; gates 2-4
// failing record a refusal and arm the cooldown. A refusal by the cooldown
// gate is not recorded, so it does not restart the window.
func (e *Executor) Consider(ctx context.Context, rec *lvtypes.DeviceRecord) Result {
	// gate 1: decision says EMERGENCY
	if rec.Decision == nil || rec.Decision.Status != lvtypes.DecisionEmergency {
		return Result{}
	}

	result := e.validateAndRun(ctx, rec)

	if e.mode != config.UnmountModeActive {
		// evaluation happened, action and ledger writes did not
		return result
	}

	if result.inCooldown {
		return result
	}

	attempt := lifecycledb.UnmountAttempt{
		Time:      e.now(),
		Succeeded: !result.Refused && len(result.Failed) == 0,
		Detail:    result.Reason,
	}
	if len(result.Unmounted) > 0 {
		attempt.Mountpoint = strings.Join(result.Unmounted, ", ")
	}

	if err := e.ledger.RecordUnmountAttempt(rec.Identity, attempt); err != nil {
		e.logl.Error.Printf("recording unmount attempt: %v", err)
	}

	return result
}

func (e *Executor) validateAndRun(ctx context.Context, rec *lvtypes.DeviceRecord) Result {
	result := Result{Evaluated: true}

	refuse := func(reason string) Result {
		result.Refused = true
		result.Reason = reason
		e.logl.Info.Printf("%s: unmount refused: %s", rec.OsName, reason)
		return result
	}

	// gate 2: the decision engine allowed acting on it
	if !rec.Decision.CanEmergencyUnmount {
		return refuse("can_emergency_unmount is false")
	}

	// gate 3: mounted right now - consulted fresh, never cached
	mounts, err := e.mounts.MountsOf(rec.OsName)
	if err != nil {
		return refuse(fmt.Sprintf("reading mount table: %v", err))
	}
	if len(mounts) == 0 {
		return refuse("device is not mounted")
	}

	// gate 4: nothing of this device on a critical path, and only removable-
	// media style mountpoints are eligible
	eligible := []string{}
	for _, mount := range mounts {
		if isCriticalMountpoint(mount.MountPoint) {
			return refuse("critical_path: " + mount.MountPoint)
		}
		if isEligibleMountpoint(mount.MountPoint) {
			eligible = append(eligible, mount.MountPoint)
		}
	}
	if len(eligible) == 0 {
		return refuse("no eligible mountpoints (only /mnt/ and /media/ qualify)")
	}

	// gate 5: cooldown between attempts, successful or not
	if last, err := e.ledger.LastUnmountAttempt(rec.Identity); err == nil && last != nil {
		elapsed := e.now().Sub(last.Time)
		if elapsed < e.cooldown {
			remaining := (e.cooldown - elapsed).Round(time.Minute)
			result.inCooldown = true
			return refuse(fmt.Sprintf("cooldown active: %s remaining", remaining))
		}
	}

	if e.mode != config.UnmountModeActive {
		result.Reason = fmt.Sprintf("PASSIVE mode: would unmount %s", strings.Join(eligible, ", "))
		e.logl.Info.Printf("%s: %s", rec.OsName, result.Reason)
		return result
	}

	for _, mountpoint := range eligible {
		e.logl.Info.Printf("%s: emergency unmounting %s", rec.OsName, mountpoint)

		if err := e.run(ctx, mountpoint); err != nil {
			e.logl.Error.Printf("%v", err)
			result.Failed = append(result.Failed, mountpoint)
		} else {
			result.Unmounted = append(result.Unmounted, mountpoint)
		}
	}

	if len(result.Failed) > 0 {
		result.Reason = fmt.Sprintf("unmount failed for: %s", strings.Join(result.Failed, ", "))
	} else {
		result.Reason = fmt.Sprintf("unmounted: %s", strings.Join(result.Unmounted, ", "))
	}

	return result
}

// exact match or below a critical path: /boot/efi is under /boot
func isCriticalMountpoint(mountpoint string) bool {
	for _, critical := range criticalPaths {
		if mountpoint == critical {
			return true
		}
		if critical != "/" && strings.HasPrefix(mountpoint, critical+"/") {
			return true
		}
	}

	return false
}

func isEligibleMountpoint(mountpoint string) bool {
	for _, prefix := range eligiblePrefixes {
		if strings.HasPrefix(mountpoint, prefix) {
			return true
		}
	}

	return false
}
