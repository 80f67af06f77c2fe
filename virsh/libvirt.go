package virsh

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	libvirt "libvirt.org/go/libvirt"

	"gpuswitch/pci"
)

// Libvirt is a Hypervisor backed by a libvirt connection. On the system
// connection it also lists and inspects host PCI node devices.
type Libvirt struct {
	conn *libvirt.Connect
}

func Connect(scope ConnectionScope) (*Libvirt, error) {
	conn, err := libvirt.NewConnect(scope.URI())
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", scope.URI(), err)
	}
	return &Libvirt{conn: conn}, nil
}

func (l *Libvirt) Close() error {
	_, err := l.conn.Close()
	return err
}

func (l *Libvirt) LookupVM(name string) (VM, error) {
	dom, err := l.conn.LookupDomainByName(strings.TrimSpace(name))
	if err != nil {
		if hasErrorCode(err, libvirt.ERR_NO_DOMAIN) {
			return nil, fmt.Errorf("%w: %s", ErrVMNotFound, name)
		}
		return nil, fmt.Errorf("lookup vm %s: %w", name, err)
	}
	return &libvirtVM{dom: dom, name: name}, nil
}

func (l *Libvirt) ListVMNames() ([]string, error) {
	domains, err := l.conn.ListAllDomains(0)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	defer freeDomains(domains)

	names := make([]string, 0, len(domains))
	for i := range domains {
		name, err := domains[i].GetName()
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (l *Libvirt) DefineXML(domainXML string) error {
	dom, err := l.conn.DomainDefineXMLFlags(domainXML, libvirt.DOMAIN_DEFINE_VALIDATE)
	if err != nil {
		return fmt.Errorf("define vm: %w", err)
	}
	return dom.Free()
}

// ListPCIDevices enumerates host PCI node devices.
func (l *Libvirt) ListPCIDevices() ([]pci.HostDevice, error) {
	nodeDevices, err := l.conn.ListAllNodeDevices(libvirt.CONNECT_LIST_NODE_DEVICES_CAP_PCI_DEV)
	if err != nil {
		return nil, fmt.Errorf("list host pci devices: %w", err)
	}

	devices := make([]pci.HostDevice, 0, len(nodeDevices))
	for i := range nodeDevices {
		xmlDesc, err := nodeDevices[i].GetXMLDesc(0)
		_ = nodeDevices[i].Free()
		if err != nil {
			return nil, fmt.Errorf("get node device xml: %w", err)
		}
		dev, err := pci.ParseNodeDeviceXML(xmlDesc)
		if err != nil {
			return nil, err
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// CurrentDriver implements pci.Detector from the node device description.
func (l *Libvirt) CurrentDriver(addr pci.Address) (string, error) {
	nodeDev, err := l.conn.LookupDeviceByName(addr.NodeDeviceName())
	if err != nil {
		if hasErrorCode(err, libvirt.ERR_NO_NODE_DEVICE) {
			return "", nil
		}
		return "", fmt.Errorf("lookup host pci %s: %w", addr, err)
	}
	defer nodeDev.Free()

	xmlDesc, err := nodeDev.GetXMLDesc(0)
	if err != nil {
		return "", fmt.Errorf("get node device xml: %w", err)
	}
	dev, err := pci.ParseNodeDeviceXML(xmlDesc)
	if err != nil {
		return "", err
	}
	return dev.Driver, nil
}

type libvirtVM struct {
	dom  *libvirt.Domain
	name string
}

func (v *libvirtVM) Name() string {
	if name, err := v.dom.GetName(); err == nil && strings.TrimSpace(name) != "" {
		return name
	}
	return v.name
}

func (v *libvirtVM) State() (VMState, error) {
	st, _, err := v.dom.GetState()
	if err != nil {
		return VMStateOther, fmt.Errorf("get vm state: %w", err)
	}
	switch st {
	case libvirt.DOMAIN_RUNNING, libvirt.DOMAIN_BLOCKED, libvirt.DOMAIN_PAUSED,
		libvirt.DOMAIN_PMSUSPENDED, libvirt.DOMAIN_SHUTDOWN:
		return VMStateRunning, nil
	case libvirt.DOMAIN_SHUTOFF:
		return VMStateShutOff, nil
	default:
		return VMStateOther, nil
	}
}

func (v *libvirtVM) XML() (string, error) {
	xmlDesc, err := v.dom.GetXMLDesc(libvirt.DOMAIN_XML_INACTIVE)
	if err != nil {
		xmlDesc, err = v.dom.GetXMLDesc(0)
		if err != nil {
			return "", fmt.Errorf("get vm xml %s: %w", v.name, err)
		}
	}
	return xmlDesc, nil
}

func (v *libvirtVM) AttachPersistent(deviceXML string) error {
	return v.dom.AttachDeviceFlags(deviceXML, libvirt.DOMAIN_DEVICE_MODIFY_CONFIG)
}

func (v *libvirtVM) Shutdown() error {
	// A paused guest cannot react to the power button.
	if st, _, _ := v.dom.GetState(); st == libvirt.DOMAIN_PAUSED {
		_ = v.dom.Resume()
	}
	if err := v.dom.ShutdownFlags(libvirt.DOMAIN_SHUTDOWN_GUEST_AGENT); err != nil {
		if err := v.dom.ShutdownFlags(libvirt.DOMAIN_SHUTDOWN_ACPI_POWER_BTN); err != nil {
			return fmt.Errorf("shutdown vm %s: %w", v.name, err)
		}
	}
	return nil
}

func (v *libvirtVM) Free() {
	_ = v.dom.Free()
}

func hasErrorCode(err error, code libvirt.ErrorNumber) bool {
	var lerr libvirt.Error
	return errors.As(err, &lerr) && lerr.Code == code
}

func freeDomains(domains []libvirt.Domain) {
	for i := range domains {
		_ = domains[i].Free()
	}
}
