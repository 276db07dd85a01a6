package blockdev

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/function61/gokit/assert"
)

func TestSourceBelongsToDevice(t *testing.T) {
	assert.Assert(t, SourceBelongsToDevice("/dev/sda", "sda"))
	assert.Assert(t, SourceBelongsToDevice("/dev/sda1", "sda"))
	assert.Assert(t, SourceBelongsToDevice("/dev/sda12", "sda"))
	assert.Assert(t, SourceBelongsToDevice("/dev/nvme0n1p2", "nvme0n1"))

	assert.Assert(t, !SourceBelongsToDevice("/dev/sdaa", "sda"))
	assert.Assert(t, !SourceBelongsToDevice("/dev/sdb1", "sda"))
	assert.Assert(t, !SourceBelongsToDevice("/dev/nvme0n10", "nvme0n1"))
	assert.Assert(t, !SourceBelongsToDevice("tmpfs", "sda"))
}

func TestSysfsEnumeration(t *testing.T) {
	sysRoot := t.TempDir()

	mkDevice := func(name string, rotational string, sizeBlocks string, removable string) {
		deviceDir := filepath.Join(sysRoot, "block", name)
		assert.Ok(t, os.MkdirAll(filepath.Join(deviceDir, "queue"), 0755))
		assert.Ok(t, os.WriteFile(filepath.Join(deviceDir, "queue", "rotational"), []byte(rotational+"\n"), 0644))
		assert.Ok(t, os.WriteFile(filepath.Join(deviceDir, "size"), []byte(sizeBlocks+"\n"), 0644))
		assert.Ok(t, os.WriteFile(filepath.Join(deviceDir, "removable"), []byte(removable+"\n"), 0644))
	}

	mkDevice("sda", "1", "7814037168", "0")    // 4 TB spinner
	mkDevice("nvme0n1", "0", "1953525168", "0") // 1 TB NVMe
	mkDevice("loop0", "0", "1024", "0")         // skipped
	mkDevice("sr0", "1", "0", "1")              // skipped

	devices, err := NewSysfsEnumeratorAt(sysRoot).List()
	assert.Ok(t, err)

	assert.Assert(t, len(devices) == 2)

	byName := map[string]Device{}
	for _, dev := range devices {
		byName[dev.Name] = dev
	}

	sda := byName["sda"]
	assert.Assert(t, sda.Rotational)
	assert.Assert(t, sda.SizeBytes == 7814037168*512)
	assert.EqualString(t, string(sda.Bus), "ata")

	nvme := byName["nvme0n1"]
	assert.Assert(t, !nvme.Rotational)
	assert.EqualString(t, string(nvme.Bus), "nvme")
}
