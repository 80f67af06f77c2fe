package virsh

import (
	"errors"
	"fmt"

	"gpuswitch/pci"
)

var (
	ErrVMNotFound          = errors.New("vm not found")
	ErrNoPassthroughDevice = errors.New("no pass-through bound gpu found")
	ErrVMRunning           = errors.New("vm is running")
	ErrAmbiguousCompanion  = errors.New("more than one candidate companion audio function")
	ErrAborted             = errors.New("aborted by operator")
	ErrBackupMismatch      = errors.New("backup belongs to a different vm")
)

// ConnectionScope selects the libvirt connection. It is always chosen by the
// caller, never detected.
type ConnectionScope string

const (
	ScopeSession ConnectionScope = "session"
	ScopeSystem  ConnectionScope = "system"
)

func (s ConnectionScope) URI() string {
	if s == ScopeSystem {
		return "qemu:///system"
	}
	return "qemu:///session"
}

type VMState int

const (
	VMStateOther VMState = iota
	VMStateRunning
	VMStateShutOff
)

func (s VMState) String() string {
	switch s {
	case VMStateRunning:
		return "running"
	case VMStateShutOff:
		return "shut off"
	default:
		return "other"
	}
}

// VM is a defined domain.
type VM interface {
	Name() string
	State() (VMState, error)
	// XML returns the persistent (inactive) definition.
	XML() (string, error)
	// AttachPersistent adds a device to the persistent definition only.
	AttachPersistent(deviceXML string) error
	// Shutdown asks the guest to power off and returns without waiting.
	Shutdown() error
	Free()
}

type Hypervisor interface {
	// LookupVM returns ErrVMNotFound when no domain has that name.
	LookupVM(name string) (VM, error)
	ListVMNames() ([]string, error)
	DefineXML(domainXML string) error
	Close() error
}

// BuildHostdevXML describes a managed PCI hostdev. romBar exposes the option
// ROM to the guest, which a GPU needs for its firmware.
func BuildHostdevXML(addr pci.Address, romBar bool) string {
	rom := ""
	if romBar {
		rom = "<rom bar='on'/>"
	}
	return fmt.Sprintf(
		"<hostdev mode='subsystem' type='pci' managed='yes'><source><address domain='0x%04x' bus='0x%02x' slot='0x%02x' function='0x%x'/></source>%s</hostdev>",
		addr.Domain,
		addr.Bus,
		addr.Slot,
		addr.Function,
		rom,
	)
}
