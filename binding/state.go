package binding

import (
	"strings"

	"gpuswitch/modprobe"
	"gpuswitch/pci"
)

// Desired is what the persisted configuration asks for after the next boot.
type Desired struct {
	Scope        Scope
	GlobalStatus modprobe.GlobalStatus
	Devices      []pci.Address
	PassThrough  bool
}

type DeviceReport struct {
	Address         pci.Address
	WantPassThrough bool
	Actual          pci.Binding
	NativeDriver    bool
	RebootRequired  bool
}

// Report puts the pending configuration next to the live bindings.
type Report struct {
	Desired        Desired
	Devices        []DeviceReport
	RebootRequired bool
}

// DesiredState reads only persisted configuration. For the global scope the
// affected devices are the vendor's display functions.
func (o *Orchestrator) DesiredState() (Desired, error) {
	entries, err := o.List.Entries()
	if err != nil {
		return Desired{}, err
	}
	global, err := o.Global.Status()
	if err != nil {
		return Desired{}, err
	}

	d := Desired{Scope: ScopeNone, GlobalStatus: global}
	if len(entries) > 0 {
		d.Scope = ScopeDeviceList
		d.Devices = entries
		d.PassThrough = true
		return d, nil
	}
	if global != modprobe.StatusEnabled && global != modprobe.StatusDisabled {
		return d, nil
	}

	d.Scope = ScopeGlobal
	d.PassThrough = global == modprobe.StatusEnabled
	if o.Lister == nil {
		return d, nil
	}
	devices, err := o.Lister.ListPCIDevices()
	if err != nil {
		return Desired{}, err
	}
	for _, dev := range pci.DisplayDevices(devices, o.Global.Settings.Vendor) {
		d.Devices = append(d.Devices, dev.Address)
	}
	return d, nil
}

// ActualState asks the detector what holds right now.
func (o *Orchestrator) ActualState(addrs []pci.Address) []DeviceStatus {
	out := make([]DeviceStatus, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, DeviceStatus{
			Address: a,
			Binding: pci.Lookup(o.List.Detector, a, o.List.Settings.PassthroughDriver),
		})
	}
	return out
}

func (o *Orchestrator) Report() (Report, error) {
	desired, err := o.DesiredState()
	if err != nil {
		return Report{}, err
	}

	rep := Report{Desired: desired}
	for _, st := range o.ActualState(desired.Devices) {
		dr := DeviceReport{
			Address:         st.Address,
			WantPassThrough: desired.PassThrough,
			Actual:          st.Binding,
			NativeDriver:    o.isNativeDriver(st.Binding),
		}
		if st.Binding.Kind != pci.BindingUnknown {
			dr.RebootRequired = st.Binding.IsPassThrough() != desired.PassThrough
		}
		if dr.RebootRequired {
			rep.RebootRequired = true
		}
		rep.Devices = append(rep.Devices, dr)
	}
	return rep, nil
}

func (o *Orchestrator) isNativeDriver(b pci.Binding) bool {
	if b.Kind != pci.BindingHostDriver {
		return false
	}
	for _, n := range o.Global.Settings.NativeDrivers {
		if strings.EqualFold(n, b.Driver) {
			return true
		}
	}
	return false
}
