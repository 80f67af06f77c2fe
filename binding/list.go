package binding

import (
	"context"
	"fmt"
	"strings"

	"gpuswitch/devlist"
	"gpuswitch/host"
	"gpuswitch/logger"
	"gpuswitch/pci"
	"gpuswitch/prompt"
)

// ListController manages pass-through for an explicit list of functions.
type ListController struct {
	Settings  Settings
	Detector  pci.Detector
	Refresher host.BootImageRefresher
	Rebooter  host.Rebooter
	Confirmer prompt.Confirmer
	Clock     host.Clock
}

type DeviceStatus struct {
	Address pci.Address
	Binding pci.Binding
}

func (c *ListController) Entries() ([]pci.Address, error) {
	return devlist.Read(c.Settings.DeviceListPath)
}

// Set replaces the list with primary and, when non-empty, companion. Both are
// validated before anything is written.
func (c *ListController) Set(primary, companion string) error {
	addrs := make([]pci.Address, 0, 2)
	p, err := pci.Parse(primary)
	if err != nil {
		return fmt.Errorf("primary device: %w", err)
	}
	addrs = append(addrs, p)

	if strings.TrimSpace(companion) != "" {
		comp, err := pci.Parse(companion)
		if err != nil {
			return fmt.Errorf("companion device: %w", err)
		}
		if comp == p {
			return fmt.Errorf("companion %s is the primary device", comp)
		}
		addrs = append(addrs, comp)
	}

	path := c.Settings.DeviceListPath
	if _, err := host.Backup(path, c.Clock.Now()); err != nil {
		return err
	}
	if err := devlist.Write(path, addrs); err != nil {
		return err
	}
	logger.Info("device list written", "path", path, "devices", addressStrings(addrs))
	return nil
}

func (c *ListController) Enable(ctx context.Context) (Result, error) {
	addrs, err := c.Entries()
	if err != nil {
		return ResultApplied, err
	}
	if len(addrs) == 0 {
		return ResultApplied, fmt.Errorf("%w: %s has no devices, run \"gpuswitch single set <bdf> [companion-bdf]\" first", ErrEmptyList, c.Settings.DeviceListPath)
	}

	logger.Info("enabling device list scope", "path", c.Settings.DeviceListPath, "devices", addressStrings(addrs))
	return ResultApplied, commit(ctx, c.Refresher, c.Rebooter, c.Confirmer)
}

// Disable backs up and empties the list. It works without a prior Set.
func (c *ListController) Disable(ctx context.Context) (Result, error) {
	path := c.Settings.DeviceListPath
	if _, err := host.Backup(path, c.Clock.Now()); err != nil {
		return ResultApplied, err
	}
	if err := devlist.Truncate(path); err != nil {
		return ResultApplied, err
	}
	logger.Info("device list truncated", "path", path)

	return ResultApplied, commit(ctx, c.Refresher, c.Rebooter, c.Confirmer)
}

// Status reports the live binding of every listed function.
func (c *ListController) Status() ([]DeviceStatus, error) {
	addrs, err := c.Entries()
	if err != nil {
		return nil, err
	}
	out := make([]DeviceStatus, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, DeviceStatus{
			Address: a,
			Binding: pci.Lookup(c.Detector, a, c.Settings.PassthroughDriver),
		})
	}
	return out, nil
}

func addressStrings(addrs []pci.Address) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}
