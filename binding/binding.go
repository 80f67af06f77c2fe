// Package binding decides which driver owns the pass-through devices after the
// next boot and rewrites the persisted configuration that makes it so.
package binding

import (
	"context"
	"errors"
	"fmt"

	"gpuswitch/config"
	"gpuswitch/host"
	"gpuswitch/logger"
	"gpuswitch/prompt"
)

var (
	ErrNotConfigured = errors.New("global pass-through config is not set up")
	ErrUnknownState  = errors.New("global pass-through config has an unrecognized format")
	ErrEmptyList     = errors.New("device list is empty")
)

// Result is the outcome of a successful transition.
type Result int

const (
	ResultApplied Result = iota
	ResultAlreadyInState
)

func (r Result) String() string {
	if r == ResultAlreadyInState {
		return "already-in-state"
	}
	return "applied"
}

type Scope string

const (
	ScopeNone       Scope = "none"
	ScopeGlobal     Scope = "global"
	ScopeDeviceList Scope = "device-list"
)

type Settings struct {
	Vendor            string
	NativeDrivers     []string
	PassthroughDriver string
	GlobalConfigPath  string
	DeviceListPath    string
	SetupCommand      string
}

func SettingsFromConfig(cfg config.Config) Settings {
	return Settings{
		Vendor:            cfg.Vendor,
		NativeDrivers:     cfg.NativeDrivers,
		PassthroughDriver: cfg.PassthroughDriver,
		GlobalConfigPath:  cfg.GlobalConfigPath,
		DeviceListPath:    cfg.DeviceListPath,
		SetupCommand:      cfg.SetupCommand,
	}
}

const rebootQuestion = "Reboot now to apply the new driver binding?"

// commit makes a persisted change effective: the boot image is always
// refreshed, the reboot is optional. A refresh failure stops before asking.
func commit(ctx context.Context, refresher host.BootImageRefresher, rebooter host.Rebooter, confirmer prompt.Confirmer) error {
	if err := refresher.Refresh(ctx); err != nil {
		return fmt.Errorf("%w; the configuration change is written, rerun the boot image refresh manually", err)
	}

	ok, err := confirmer.Confirm(ctx, rebootQuestion)
	if err != nil {
		return fmt.Errorf("reboot prompt: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("reboot not started: %w", err)
	}
	if !ok {
		logger.Info("reboot deferred, change takes effect on next boot")
		return nil
	}
	return rebooter.Reboot(ctx)
}
