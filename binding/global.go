package binding

import (
	"context"
	"fmt"
	"os"

	"gpuswitch/host"
	"gpuswitch/logger"
	"gpuswitch/modprobe"
	"gpuswitch/prompt"
)

// GlobalController toggles the family-wide claim directive in the modprobe
// configuration.
type GlobalController struct {
	Settings  Settings
	Refresher host.BootImageRefresher
	Rebooter  host.Rebooter
	Confirmer prompt.Confirmer
	Clock     host.Clock
}

// Status never modifies the configuration.
func (c *GlobalController) Status() (modprobe.GlobalStatus, error) {
	status, _, err := modprobe.ReadStatus(c.Settings.GlobalConfigPath, c.Settings.PassthroughDriver)
	return status, err
}

func (c *GlobalController) Enable(ctx context.Context) (Result, error) {
	return c.set(ctx, true)
}

func (c *GlobalController) Disable(ctx context.Context) (Result, error) {
	return c.set(ctx, false)
}

func (c *GlobalController) set(ctx context.Context, enabled bool) (Result, error) {
	path := c.Settings.GlobalConfigPath
	driver := c.Settings.PassthroughDriver

	status, doc, err := modprobe.ReadStatus(path, driver)
	if err != nil {
		return ResultApplied, err
	}
	switch status {
	case modprobe.StatusNotConfigured:
		return ResultApplied, fmt.Errorf("%w: %s does not exist, run %s first", ErrNotConfigured, path, c.Settings.SetupCommand)
	case modprobe.StatusUnknown:
		return ResultApplied, fmt.Errorf("%w: no \"softdep <module> pre: %s\" line in %s, inspect the file", ErrUnknownState, driver, path)
	}

	want := modprobe.StatusDisabled
	if enabled {
		want = modprobe.StatusEnabled
	}
	idsActive := doc.Status(modprobe.IDsField(driver)) == modprobe.FieldActive
	if status == want && !idsActive {
		logger.Info("global scope already in state", "path", path, "status", string(status))
		return ResultAlreadyInState, nil
	}

	if _, err := host.Backup(path, c.Clock.Now()); err != nil {
		return ResultApplied, err
	}

	changed := modprobe.Apply(doc, driver, enabled)
	mode := os.FileMode(0o644)
	if fi, err := os.Stat(path); err == nil {
		mode = fi.Mode().Perm()
	}
	if err := os.WriteFile(path, doc.Bytes(), mode); err != nil {
		return ResultApplied, fmt.Errorf("write %s: %w", path, err)
	}
	logger.Info("global scope rewritten", "path", path, "status", string(want), "changed_lines", changed)

	return ResultApplied, commit(ctx, c.Refresher, c.Rebooter, c.Confirmer)
}
