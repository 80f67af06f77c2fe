package pci

import (
	"encoding/xml"
	"fmt"
	"sort"
	"strings"
)

const (
	classDisplay = 0x03
	classAudio   = 0x0403
)

// HostDevice is a host-visible PCI function with the metadata needed to pick a
// pass-through candidate.
type HostDevice struct {
	Address   Address
	Driver    string
	VendorID  string
	Vendor    string
	ProductID string
	Product   string
	Class     string
	IsGPU     bool
	IsAudio   bool
}

// Lister enumerates host PCI functions.
type Lister interface {
	ListPCIDevices() ([]HostDevice, error)
}

// ParseNodeDeviceXML decodes a libvirt node device description.
func ParseNodeDeviceXML(xmlDesc string) (HostDevice, error) {
	var node nodeDeviceXML
	if err := xml.Unmarshal([]byte(xmlDesc), &node); err != nil {
		return HostDevice{}, fmt.Errorf("parse node device xml: %w", err)
	}

	address, err := AddressFromXML(node.Capability.Domain, node.Capability.Bus, node.Capability.Slot, node.Capability.Function)
	if err != nil {
		return HostDevice{}, err
	}

	class := strings.TrimSpace(node.Capability.Class)
	return HostDevice{
		Address:   address,
		Driver:    strings.TrimSpace(node.Driver.Name),
		VendorID:  normalizeID(node.Capability.Vendor.ID),
		Vendor:    strings.TrimSpace(node.Capability.Vendor.Text),
		ProductID: normalizeID(node.Capability.Product.ID),
		Product:   strings.TrimSpace(node.Capability.Product.Text),
		Class:     class,
		IsGPU:     classLooksLikeGPU(class),
		IsAudio:   classLooksLikeAudio(class),
	}, nil
}

// DisplayDevices returns display-class functions of vendor, in address order.
func DisplayDevices(devices []HostDevice, vendor string) []HostDevice {
	return filterDevices(devices, vendor, func(d HostDevice) bool { return d.IsGPU })
}

// AudioDevices returns audio-class functions of vendor, in address order.
func AudioDevices(devices []HostDevice, vendor string) []HostDevice {
	return filterDevices(devices, vendor, func(d HostDevice) bool { return d.IsAudio })
}

func filterDevices(devices []HostDevice, vendor string, keep func(HostDevice) bool) []HostDevice {
	vendor = normalizeID(vendor)
	out := make([]HostDevice, 0, len(devices))
	for _, dev := range devices {
		if vendor != "" && dev.VendorID != vendor {
			continue
		}
		if keep(dev) {
			out = append(out, dev)
		}
	}
	sortDevices(out)
	return out
}

func sortDevices(devices []HostDevice) {
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Address.String() < devices[j].Address.String()
	})
}

func normalizeID(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	return strings.TrimPrefix(s, "0x")
}

func classLooksLikeGPU(rawClass string) bool {
	val, ok := parseClass(rawClass)
	if !ok {
		return strings.HasPrefix(strings.ToLower(strings.TrimSpace(rawClass)), "0x03")
	}
	return (val>>16)&0xff == classDisplay
}

func classLooksLikeAudio(rawClass string) bool {
	val, ok := parseClass(rawClass)
	if !ok {
		return false
	}
	return (val>>8)&0xffff == classAudio
}

func parseClass(rawClass string) (uint64, bool) {
	s := strings.TrimSpace(rawClass)
	if s == "" {
		return 0, false
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	val, err := parseXMLPCIComponent(s, 32)
	if err != nil {
		return 0, false
	}
	return val, true
}

type nodeDeviceXML struct {
	Name       string `xml:"name"`
	Path       string `xml:"path"`
	Driver     driver `xml:"driver"`
	Capability struct {
		Class    string     `xml:"class"`
		Domain   string     `xml:"domain"`
		Bus      string     `xml:"bus"`
		Slot     string     `xml:"slot"`
		Function string     `xml:"function"`
		Product  textWithID `xml:"product"`
		Vendor   textWithID `xml:"vendor"`
	} `xml:"capability"`
}

type driver struct {
	Name string `xml:"name"`
}

type textWithID struct {
	ID   string `xml:"id,attr"`
	Text string `xml:",chardata"`
}
