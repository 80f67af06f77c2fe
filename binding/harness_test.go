package binding

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gpuswitch/pci"
	"gpuswitch/prompt"
)

type fakeRefresher struct {
	calls int
	err   error
}

func (f *fakeRefresher) Refresh(context.Context) error {
	f.calls++
	return f.err
}

type fakeRebooter struct{ calls int }

func (f *fakeRebooter) Reboot(context.Context) error {
	f.calls++
	return nil
}

type harness struct {
	dir       string
	settings  Settings
	detector  pci.StaticDetector
	refresher *fakeRefresher
	rebooter  *fakeRebooter
	prompts   *prompt.Recorder
	global    *GlobalController
	list      *ListController
	orch      *Orchestrator
}

var testNow = time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		dir: dir,
		settings: Settings{
			Vendor:            "10de",
			NativeDrivers:     []string{"nouveau", "nvidia"},
			PassthroughDriver: "vfio-pci",
			GlobalConfigPath:  filepath.Join(dir, "vfio.conf"),
			DeviceListPath:    filepath.Join(dir, "vfio-pci-devices.conf"),
			SetupCommand:      "gpuswitch-setup",
		},
		detector:  pci.StaticDetector{},
		refresher: &fakeRefresher{},
		rebooter:  &fakeRebooter{},
		prompts:   &prompt.Recorder{Next: prompt.Always(false)},
	}
	clock := func() time.Time { return testNow }
	h.global = &GlobalController{
		Settings:  h.settings,
		Refresher: h.refresher,
		Rebooter:  h.rebooter,
		Confirmer: h.prompts,
		Clock:     clock,
	}
	h.list = &ListController{
		Settings:  h.settings,
		Detector:  h.detector,
		Refresher: h.refresher,
		Rebooter:  h.rebooter,
		Confirmer: h.prompts,
		Clock:     clock,
	}
	h.orch = &Orchestrator{Global: h.global, List: h.list}
	return h
}

func (h *harness) writeGlobal(t *testing.T, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(h.settings.GlobalConfigPath, []byte(content), 0o644))
}

func (h *harness) writeList(t *testing.T, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(h.settings.DeviceListPath, []byte(content), 0o644))
}

func (h *harness) read(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// files lists the names in the harness directory.
func (h *harness) files(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}

func backupName(path string) string {
	return path + ".backup." + testNow.Format("20060102-150405")
}

// cancelOnWrite cancels as soon as a prompt has been printed.
type cancelOnWrite struct{ cancel context.CancelFunc }

func (c cancelOnWrite) Write(p []byte) (int, error) {
	c.cancel()
	return len(p), nil
}
