package virsh

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type fakeVM struct {
	name          string
	state         VMState
	xml           string
	attached      []string
	failAttach    map[string]error
	shutdownCalls int
	// pollsToStop is how many State calls after Shutdown still report running;
	// negative means the guest ignores the request.
	pollsToStop int
	polls       int
}

func (v *fakeVM) Name() string { return v.name }

func (v *fakeVM) State() (VMState, error) {
	if v.shutdownCalls > 0 && v.state == VMStateRunning && v.pollsToStop >= 0 {
		if v.polls >= v.pollsToStop {
			v.state = VMStateShutOff
		}
		v.polls++
	}
	return v.state, nil
}

func (v *fakeVM) XML() (string, error) { return v.xml, nil }

func (v *fakeVM) AttachPersistent(deviceXML string) error {
	for marker, err := range v.failAttach {
		if strings.Contains(deviceXML, marker) {
			return err
		}
	}
	v.attached = append(v.attached, deviceXML)
	return nil
}

func (v *fakeVM) Shutdown() error {
	v.shutdownCalls++
	return nil
}

func (v *fakeVM) Free() {}

type fakeHypervisor struct {
	vms     map[string]*fakeVM
	defined []string
}

func (h *fakeHypervisor) LookupVM(name string) (VM, error) {
	vm, ok := h.vms[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVMNotFound, name)
	}
	return vm, nil
}

func (h *fakeHypervisor) ListVMNames() ([]string, error) {
	return []string{"other-vm", "win11"}, nil
}

func (h *fakeHypervisor) DefineXML(domainXML string) error {
	if strings.TrimSpace(domainXML) == "" {
		return errors.New("empty definition")
	}
	h.defined = append(h.defined, domainXML)
	return nil
}

func (h *fakeHypervisor) Close() error { return nil }

type fakeChecker []Warning

func (f fakeChecker) Check(context.Context) []Warning { return f }
