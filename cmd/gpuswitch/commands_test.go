package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpuswitch/binding"
	"gpuswitch/config"
	"gpuswitch/pci"
)

type nopRefresher struct{ calls int }

func (r *nopRefresher) Refresh(context.Context) error { r.calls++; return nil }

type countingRebooter struct{ calls int }

func (r *countingRebooter) Reboot(context.Context) error { r.calls++; return nil }

type noDevices struct{}

func (noDevices) ListPCIDevices() ([]pci.HostDevice, error) { return nil, nil }

type cliFixture struct {
	cfg       config.Config
	out       bytes.Buffer
	refresher *nopRefresher
	rebooter  *countingRebooter
	detector  pci.StaticDetector
}

func newCLIFixture(t *testing.T) *cliFixture {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.GlobalConfigPath = filepath.Join(dir, "vfio.conf")
	cfg.DeviceListPath = filepath.Join(dir, "devices.conf")
	return &cliFixture{
		cfg:       cfg,
		refresher: &nopRefresher{},
		rebooter:  &countingRebooter{},
		detector:  pci.StaticDetector{},
	}
}

func (f *cliFixture) run(stdin string, args ...string) error {
	f.out.Reset()
	return f.runWith(context.Background(), strings.NewReader(stdin), &f.out, args...)
}

func (f *cliFixture) runWith(ctx context.Context, in io.Reader, out io.Writer, args ...string) error {
	a := &app{
		in:         in,
		out:        out,
		loadConfig: func() (config.Config, error) { return f.cfg, nil },
		detector:   f.detector,
		lister:     noDevices{},
		refresher:  f.refresher,
		rebooter:   f.rebooter,
	}
	cmd := newRootCmdWithApp(a)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

// interruptAtPrompt cancels once a [y/N] question has been printed.
type interruptAtPrompt struct {
	buf    bytes.Buffer
	cancel context.CancelFunc
}

func (w *interruptAtPrompt) Write(p []byte) (int, error) {
	n, err := w.buf.Write(p)
	if strings.Contains(w.buf.String(), "[y/N]") {
		w.cancel()
	}
	return n, err
}

func TestInterruptAtRebootPromptAborts(t *testing.T) {
	f := newCLIFixture(t)
	require.NoError(t, os.WriteFile(f.cfg.GlobalConfigPath, []byte("#softdep nouveau pre: vfio-pci\n"), 0o644))

	stdin, answer := io.Pipe()
	defer answer.Close()
	ctx, cancel := context.WithCancel(context.Background())
	out := &interruptAtPrompt{cancel: cancel}

	err := f.runWith(ctx, stdin, out, "enable")
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.rebooter.calls)
	assert.Equal(t, 1, f.refresher.calls)
}

func TestStatusAndEnableWithoutGlobalConfig(t *testing.T) {
	f := newCLIFixture(t)

	require.NoError(t, f.run("", "status"))
	assert.Contains(t, f.out.String(), "not_configured")
	assert.Contains(t, f.out.String(), "run gpuswitch-setup")

	err := f.run("", "enable")
	require.ErrorIs(t, err, binding.ErrNotConfigured)
	_, statErr := os.Stat(f.cfg.GlobalConfigPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestEnableDeclinesRebootAtPrompt(t *testing.T) {
	f := newCLIFixture(t)
	require.NoError(t, os.WriteFile(f.cfg.GlobalConfigPath, []byte("#softdep nouveau pre: vfio-pci\n"), 0o644))

	require.NoError(t, f.run("n\n", "enable"))
	assert.Contains(t, f.out.String(), "Reboot now")
	assert.Contains(t, f.out.String(), "global scope enabled")
	assert.Zero(t, f.rebooter.calls)

	require.NoError(t, f.run("", "enable"))
	assert.Contains(t, f.out.String(), "already enabled")

	require.NoError(t, f.run("", "status"))
	assert.Contains(t, f.out.String(), ": enabled")
}

func TestYesFlagReboots(t *testing.T) {
	f := newCLIFixture(t)
	require.NoError(t, os.WriteFile(f.cfg.GlobalConfigPath, []byte("softdep nouveau pre: vfio-pci\n"), 0o644))

	require.NoError(t, f.run("", "--yes", "auto"))
	assert.Equal(t, 1, f.rebooter.calls)
	assert.Contains(t, f.out.String(), "global scope: disable")
}

func TestNoRebootWinsOverYes(t *testing.T) {
	f := newCLIFixture(t)
	require.NoError(t, os.WriteFile(f.cfg.GlobalConfigPath, []byte("softdep nouveau pre: vfio-pci\n"), 0o644))

	require.NoError(t, f.run("", "--yes", "--no-reboot", "disable"))
	assert.Zero(t, f.rebooter.calls)
	assert.Equal(t, 1, f.refresher.calls)
}

func TestSingleSetAndStatus(t *testing.T) {
	f := newCLIFixture(t)
	f.detector["0000:03:00.0"] = "nvidia"

	require.NoError(t, f.run("", "single", "set", "03:00.0", "03:00.1"))
	assert.Contains(t, f.out.String(), "0000:03:00.0, 0000:03:00.1")

	require.NoError(t, f.run("", "single", "status"))
	assert.Contains(t, f.out.String(), "0000:03:00.0  host-driver(nvidia)")
	assert.Contains(t, f.out.String(), "0000:03:00.1  none")

	require.Error(t, f.run("", "single", "set", "3:0.0"))
}

func TestSingleEnableEmptyList(t *testing.T) {
	f := newCLIFixture(t)
	require.ErrorIs(t, f.run("", "single", "enable"), binding.ErrEmptyList)
	assert.Zero(t, f.refresher.calls)
}
