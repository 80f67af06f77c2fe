package pci

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFunction struct {
	bdf    string
	vendor string
	device string
	class  string
	driver string
}

// writeSysfs lays out <root>/sys/bus/pci/devices the way the kernel does,
// with both the modalias and the split id files.
func writeSysfs(t *testing.T, root string, fns ...fakeFunction) {
	t.Helper()
	devices := filepath.Join(root, sysBusPCIDevices)
	require.NoError(t, os.MkdirAll(devices, 0o755))

	for _, fn := range fns {
		dir := filepath.Join(devices, fn.bdf)
		require.NoError(t, os.MkdirAll(dir, 0o755))

		modalias := fmt.Sprintf("pci:v0000%sd0000%ssv00001458sd00003702bc%ssc%si%s\n",
			strings.ToUpper(fn.vendor), strings.ToUpper(fn.device), fn.class[0:2], fn.class[2:4], fn.class[4:6])
		files := map[string]string{
			"vendor":   "0x" + fn.vendor + "\n",
			"device":   "0x" + fn.device + "\n",
			"class":    "0x" + fn.class + "\n",
			"modalias": modalias,
		}
		for name, content := range files {
			require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
		}

		if fn.driver != "" {
			drvDir := filepath.Join(root, "sys/bus/pci/drivers", fn.driver)
			require.NoError(t, os.MkdirAll(drvDir, 0o755))
			require.NoError(t, os.Symlink(drvDir, filepath.Join(dir, "driver")))
		}
	}
}

func gpuHost(t *testing.T) string {
	root := t.TempDir()
	writeSysfs(t, root,
		fakeFunction{bdf: "0000:03:00.0", vendor: "10de", device: "1b80", class: "030000", driver: "vfio-pci"},
		fakeFunction{bdf: "0000:03:00.1", vendor: "10de", device: "10f0", class: "040300", driver: "snd_hda_intel"},
		fakeFunction{bdf: "0000:04:00.0", vendor: "10de", device: "1c82", class: "030000"},
	)
	return root
}

func TestSysfsDetectorCurrentDriver(t *testing.T) {
	det := &SysfsDetector{Root: gpuHost(t)}

	tests := []struct {
		name string
		bdf  string
		want string
	}{
		{"bound to pass-through driver", "0000:03:00.0", "vfio-pci"},
		{"bound to host driver", "0000:03:00.1", "snd_hda_intel"},
		{"unbound", "0000:04:00.0", ""},
		{"not on this host", "0000:09:00.0", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := Parse(tt.bdf)
			require.NoError(t, err)

			got, err := det.CurrentDriver(addr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSysfsDetectorLookupWithoutPCIIDs(t *testing.T) {
	det := &SysfsDetector{Root: gpuHost(t)}

	gpu, err := Parse("0000:03:00.0")
	require.NoError(t, err)
	assert.True(t, Lookup(det, gpu, "vfio-pci").IsPassThrough())
	assert.Equal(t, BindingHostDriver, Lookup(det, gpu.Companion(), "vfio-pci").Kind)

	missing, err := Parse("0000:09:00.0")
	require.NoError(t, err)
	assert.Equal(t, BindingNone, Lookup(det, missing, "vfio-pci").Kind)
}

func TestSysfsDetectorListPCIDevices(t *testing.T) {
	det := &SysfsDetector{Root: gpuHost(t)}

	devices, err := det.ListPCIDevices()
	require.NoError(t, err)
	require.Len(t, devices, 3)

	got := map[string]HostDevice{}
	for _, d := range devices {
		got[d.Address.String()] = d
	}

	gpu := got["0000:03:00.0"]
	assert.True(t, gpu.IsGPU)
	assert.False(t, gpu.IsAudio)
	assert.Equal(t, "vfio-pci", gpu.Driver)
	assert.Equal(t, "10de", gpu.VendorID)
	assert.Equal(t, "1b80", gpu.ProductID)

	audio := got["0000:03:00.1"]
	assert.True(t, audio.IsAudio)
	assert.False(t, audio.IsGPU)
	assert.Equal(t, "snd_hda_intel", audio.Driver)

	assert.Equal(t, "", got["0000:04:00.0"].Driver)

	assert.Len(t, DisplayDevices(devices, "10de"), 2)
	assert.Len(t, AudioDevices(devices, "10de"), 1)
	assert.Empty(t, DisplayDevices(devices, "1002"))
}

func TestSysfsDetectorScanNames(t *testing.T) {
	root := gpuHost(t)
	ids := filepath.Join(t.TempDir(), "pci.ids")
	require.NoError(t, os.WriteFile(ids, []byte(
		"10de  NVIDIA Corporation\n"+
			"\t1b80  GP104 [GeForce GTX 1080]\n"+
			"\t10f0  GP104 High Definition Audio Controller\n"), 0o644))

	devices, err := (&SysfsDetector{Root: root, PCIIDs: ids}).scan()
	require.NoError(t, err)
	require.Len(t, devices, 3)

	sortDevices(devices)
	assert.Equal(t, "NVIDIA Corporation", devices[0].Vendor)
	assert.Equal(t, "GP104 [GeForce GTX 1080]", devices[0].Product)
	assert.Equal(t, "GP104 High Definition Audio Controller", devices[1].Product)
	assert.Equal(t, "", devices[2].Product)

	plain, err := (&SysfsDetector{Root: root}).scan()
	require.NoError(t, err)
	for _, d := range plain {
		assert.Empty(t, d.Vendor)
	}
}

func TestSysfsDetectorMissingTree(t *testing.T) {
	det := &SysfsDetector{Root: t.TempDir()}

	devices, err := det.ListPCIDevices()
	if err == nil {
		assert.Empty(t, devices)
	}

	drv, err := det.CurrentDriver(Address{Bus: 3})
	require.NoError(t, err)
	assert.Equal(t, "", drv)
}
