package virsh

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"gpuswitch/host"
	"gpuswitch/logger"
	"gpuswitch/pci"
	"gpuswitch/prompt"
)

type Request struct {
	VMName string
	Scope  ConnectionScope
	// Companion overrides companion discovery when set.
	Companion string
}

type DeviceStatus string

const (
	DeviceAttached DeviceStatus = "attached"
	DeviceSkipped  DeviceStatus = "already-present"
	DeviceFailed   DeviceStatus = "failed"
)

type DeviceResult struct {
	Device pci.HostDevice
	Role   string
	Status DeviceStatus
	Err    error
}

type Report struct {
	VMName     string
	Scope      ConnectionScope
	Warnings   []Warning
	ShutDown   bool
	BackupPath string
	Devices    []DeviceResult
}

// Partial reports whether some device failed after another was attached.
func (r Report) Partial() bool {
	for _, d := range r.Devices {
		if d.Status == DeviceFailed {
			return true
		}
	}
	return false
}

// Attacher adds the pass-through bound GPU, and its audio function when one is
// found, to the persistent definition of a VM.
type Attacher struct {
	Hypervisor        Hypervisor
	Lister            pci.Lister
	Detector          pci.Detector
	Confirmer         prompt.Confirmer
	Preflight         Checker
	Vendor            string
	PassthroughDriver string
	Clock             host.Clock
	BackupDir         string
	PollInterval      time.Duration
	ShutdownTimeout   time.Duration
}

// DeviceSource both lists host functions and reports their drivers.
type DeviceSource interface {
	pci.Lister
	pci.Detector
}

// UseDeviceSource sets Lister and Detector for scope. The session connection
// cannot enumerate node devices, so only the system scope uses nodeDevices.
func (a *Attacher) UseDeviceSource(scope ConnectionScope, nodeDevices, sysfs DeviceSource) {
	src := sysfs
	if scope == ScopeSystem {
		src = nodeDevices
	}
	a.Lister, a.Detector = src, src
}

func (a *Attacher) Attach(ctx context.Context, req Request) (Report, error) {
	rep := Report{VMName: req.VMName, Scope: req.Scope}

	vm, err := a.lookupVM(req)
	if err != nil {
		return rep, err
	}
	defer vm.Free()
	rep.VMName = vm.Name()

	devices, err := a.Lister.ListPCIDevices()
	if err != nil {
		return rep, err
	}
	gpu, err := a.findPassthroughGPU(devices)
	if err != nil {
		return rep, err
	}
	companion, err := a.findCompanion(devices, gpu, req.Companion)
	if err != nil {
		return rep, err
	}
	targets := []DeviceResult{{Device: gpu, Role: "gpu"}}
	if companion != nil {
		targets = append(targets, DeviceResult{Device: *companion, Role: "audio"})
	}
	logger.Info("pass-through devices resolved", "vm", rep.VMName, "gpu", gpu.Address.String(), "companion", companionString(companion))

	if req.Scope == ScopeSession && a.Preflight != nil {
		rep.Warnings = a.Preflight.Check(ctx)
		if len(rep.Warnings) > 0 {
			for _, w := range rep.Warnings {
				logger.Warn("preflight warning", "check", w.Check, "detail", w.Detail, "remedy", w.Remedy)
			}
			ok, err := a.Confirmer.Confirm(ctx, fmt.Sprintf("%d preflight check(s) failed, the VM may not start. Continue anyway?", len(rep.Warnings)))
			if err != nil {
				return rep, err
			}
			if !ok {
				return rep, fmt.Errorf("%w: fix the preflight warnings and rerun", ErrAborted)
			}
			if err := ctx.Err(); err != nil {
				return rep, err
			}
		}
	}

	shutDown, err := a.ensureShutOff(ctx, vm)
	rep.ShutDown = shutDown
	if err != nil {
		return rep, err
	}

	xmlDesc, err := vm.XML()
	if err != nil {
		return rep, err
	}
	present, err := hostdevAddresses(xmlDesc)
	if err != nil {
		return rep, err
	}

	pending := 0
	for i := range targets {
		if present[targets[i].Device.Address] {
			targets[i].Status = DeviceSkipped
			continue
		}
		pending++
	}
	if pending == 0 {
		logger.Info("all devices already in vm definition", "vm", rep.VMName)
		rep.Devices = targets
		return rep, nil
	}

	rep.BackupPath, err = host.WriteBackup(filepath.Join(a.BackupDir, rep.VMName+".xml"), []byte(xmlDesc), fs.FileMode(0o600), a.Clock.Now())
	if err != nil {
		return rep, err
	}

	for i := range targets {
		t := &targets[i]
		if t.Status == DeviceSkipped {
			continue
		}
		err := vm.AttachPersistent(BuildHostdevXML(t.Device.Address, t.Role == "gpu"))
		if err == nil {
			t.Status = DeviceAttached
			logger.Info("hostdev attached", "vm", rep.VMName, "role", t.Role, "pci", t.Device.Address.String())
			continue
		}
		t.Status = DeviceFailed
		t.Err = err
		if t.Role == "gpu" {
			rep.Devices = targets
			return rep, fmt.Errorf("attach gpu %s to vm %s: %w (restore with --restore %s)", t.Device.Address, rep.VMName, err, rep.BackupPath)
		}
		logger.Warn("companion attach failed, gpu stays attached", "vm", rep.VMName, "pci", t.Device.Address.String(), "error", err.Error())
	}
	rep.Devices = targets
	return rep, nil
}

func (a *Attacher) lookupVM(req Request) (VM, error) {
	vm, err := a.Hypervisor.LookupVM(req.VMName)
	if err == nil {
		return vm, nil
	}
	if !errors.Is(err, ErrVMNotFound) {
		return nil, err
	}

	names, listErr := a.Hypervisor.ListVMNames()
	available := "none"
	if listErr == nil && len(names) > 0 {
		available = strings.Join(names, ", ")
	}
	hint := ""
	if req.Scope == ScopeSession {
		hint = "; use --system for VMs defined on qemu:///system"
	}
	return nil, fmt.Errorf("%w: %q on %s (available: %s)%s", ErrVMNotFound, req.VMName, req.Scope.URI(), available, hint)
}

func (a *Attacher) findPassthroughGPU(devices []pci.HostDevice) (pci.HostDevice, error) {
	gpus := pci.DisplayDevices(devices, a.Vendor)
	for _, gpu := range gpus {
		b := pci.Lookup(a.Detector, gpu.Address, a.PassthroughDriver)
		logger.Debug("gpu candidate", "pci", gpu.Address.String(), "binding", b.String())
		if b.IsPassThrough() {
			return gpu, nil
		}
	}
	return pci.HostDevice{}, fmt.Errorf("%w: %d gpu(s) of vendor %s, none bound to %s; run \"gpuswitch enable\" or \"gpuswitch single enable\" and reboot",
		ErrNoPassthroughDevice, len(gpus), a.Vendor, a.PassthroughDriver)
}

// findCompanion prefers function 1 of the GPU slot, then any other audio
// function of the vendor in that slot. No candidate is fine; several are not.
func (a *Attacher) findCompanion(devices []pci.HostDevice, gpu pci.HostDevice, override string) (*pci.HostDevice, error) {
	if strings.TrimSpace(override) != "" {
		addr, err := pci.Parse(override)
		if err != nil {
			return nil, fmt.Errorf("companion: %w", err)
		}
		for i := range devices {
			if devices[i].Address == addr {
				return &devices[i], nil
			}
		}
		return nil, fmt.Errorf("companion %s is not a host pci device", addr)
	}

	audio := pci.AudioDevices(devices, a.Vendor)
	want := gpu.Address.Companion()
	for i := range audio {
		if audio[i].Address == want {
			return &audio[i], nil
		}
	}

	var candidates []pci.HostDevice
	for _, dev := range audio {
		if dev.Address.SameSlot(gpu.Address) && dev.Address != gpu.Address {
			candidates = append(candidates, dev)
		}
	}
	switch len(candidates) {
	case 0:
		return nil, nil
	case 1:
		return &candidates[0], nil
	}
	names := make([]string, 0, len(candidates))
	for _, c := range candidates {
		names = append(names, c.Address.String())
	}
	return nil, fmt.Errorf("%w for gpu %s: %s; pick one with --companion <bdf>", ErrAmbiguousCompanion, gpu.Address, strings.Join(names, ", "))
}

// ensureShutOff returns true when it had to shut the VM down.
func (a *Attacher) ensureShutOff(ctx context.Context, vm VM) (bool, error) {
	st, err := vm.State()
	if err != nil {
		return false, err
	}
	if st != VMStateRunning {
		return false, nil
	}

	ok, err := a.Confirmer.Confirm(ctx, fmt.Sprintf("VM %s is running and must be shut down to edit its definition. Shut it down now?", vm.Name()))
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("%w: %s; shut it down and rerun", ErrVMRunning, vm.Name())
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	logger.Info("shutting down vm", "vm", vm.Name())
	if err := vm.Shutdown(); err != nil {
		return false, err
	}
	if err := a.waitShutOff(ctx, vm); err != nil {
		return true, err
	}
	return true, nil
}

func (a *Attacher) waitShutOff(ctx context.Context, vm VM) error {
	timeout := a.ShutdownTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	interval := a.PollInterval
	if interval <= 0 {
		interval = 300 * time.Millisecond
	}

	deadline := time.Now().Add(timeout)
	for {
		st, err := vm.State()
		if err != nil {
			return err
		}
		if st == VMStateShutOff {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s did not shut off within %s (guest agent/ACPI ignored); stop it with virsh destroy and rerun", ErrVMRunning, vm.Name(), timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func companionString(c *pci.HostDevice) string {
	if c == nil {
		return "-"
	}
	return c.Address.String()
}
