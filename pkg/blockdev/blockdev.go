// Enumerates block storage devices from sysfs and answers mountpoint queries
// from the live mount table.
package blockdev

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/function61/levyvahti/pkg/lvtypes"
	"github.com/prometheus/procfs"
)

type Device struct {
	Name       string // OS-level name, e.g. "sda", "nvme0n1"
	Rotational bool
	SizeBytes  uint64
	Removable  bool
	Bus        lvtypes.Bus
}

type Enumerator interface {
	List() ([]Device, error)
}

type sysfsEnumerator struct {
	sysRoot string
}

func NewSysfsEnumerator() Enumerator {
	return &sysfsEnumerator{sysRoot: "/sys"}
}

// test constructor
func NewSysfsEnumeratorAt(sysRoot string) Enumerator {
	return &sysfsEnumerator{sysRoot: sysRoot}
}

// virtual/optical devices that carry no SMART and never will
var skippedNamePrefixes = []string{"loop", "ram", "zram", "dm-", "md", "fd", "sr"}

func (s *sysfsEnumerator) List() ([]Device, error) {
	entries, err := os.ReadDir(filepath.Join(s.sysRoot, "block"))
	if err != nil {
		return nil, err
	}

	devices := []Device{}

	for _, entry := range entries {
		name := entry.Name()
		if skipName(name) {
			continue
		}

		deviceDir := filepath.Join(s.sysRoot, "block", name)

		dev := Device{
			Name:       name,
			Rotational: readSysfsBool(filepath.Join(deviceDir, "queue", "rotational")),
			Removable:  readSysfsBool(filepath.Join(deviceDir, "removable")),
			SizeBytes:  readSysfsUint(filepath.Join(deviceDir, "size")) * 512,
			Bus:        busOf(deviceDir, name),
		}

		devices = append(devices, dev)
	}

	return devices, nil
}

func skipName(name string) bool {
	for _, prefix := range skippedNamePrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}

	return false
}

func busOf(deviceDir string, name string) lvtypes.Bus {
	if strings.HasPrefix(name, "nvme") {
		return lvtypes.BusNvme
	}

	// /sys/block/<name> is a symlink into the device tree; a USB-attached disk
	// resolves through a .../usbN/... segment
	if resolved, err := filepath.EvalSymlinks(deviceDir); err == nil {
		if strings.Contains(resolved, "/usb") {
			return lvtypes.BusUsb
		}
	}

	return lvtypes.BusAta
}

func readSysfsBool(path string) bool {
	return readSysfsUint(path) == 1
}

func readSysfsUint(path string) uint64 {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0
	}

	value, err := strconv.ParseUint(strings.TrimSpace(string(content)), 10, 64)
	if err != nil {
		return 0
	}

	return value
}

type Mount struct {
	Source     string
	MountPoint string
}

// consulted fresh on every call - emergency decisions must not act on a
// cached mount table
type MountLister interface {
	MountsOf(osName string) ([]Mount, error)
}

type procfsMountLister struct{}

func NewMountLister() MountLister {
	return &procfsMountLister{}
}

func (p *procfsMountLister) MountsOf(osName string) ([]Mount, error) {
	mountInfos, err := procfs.GetMounts()
	if err != nil {
		return nil, err
	}

	mounts := []Mount{}
	for _, mi := range mountInfos {
		if SourceBelongsToDevice(mi.Source, osName) {
			mounts = append(mounts, Mount{Source: mi.Source, MountPoint: mi.MountPoint})
		}
	}

	return mounts, nil
}

var (
	partitionSuffix  = regexp.MustCompile(`^[0-9]+$`)  // "sda" -> "sda1"
	pPartitionSuffix = regexp.MustCompile(`^p[0-9]+$`) // "nvme0n1" -> "nvme0n1p2"
)

// true for the whole device and for its partitions: "/dev/sda" and "/dev/sda1"
// belong to "sda", "/dev/nvme0n1p2" belongs to "nvme0n1" - but "/dev/sdaa"
// does not belong to "sda"
func SourceBelongsToDevice(source string, osName string) bool {
	devPath := "/dev/" + osName

	if source == devPath {
		return true
	}

	if !strings.HasPrefix(source, devPath) {
		return false
	}

	suffix := source[len(devPath):]
	// names ending in a digit separate partitions with "p"
	if last := osName[len(osName)-1]; last >= '0' && last <= '9' {
		return pPartitionSuffix.MatchString(suffix)
	}

	return partitionSuffix.MatchString(suffix)
}
