package virsh

import (
	"encoding/xml"
	"fmt"
	"strings"

	"gpuswitch/pci"
)

type domainXML struct {
	Name    string `xml:"name"`
	Devices struct {
		HostDevs []hostDevXML `xml:"hostdev"`
	} `xml:"devices"`
}

type hostDevXML struct {
	Type   string `xml:"type,attr"`
	Source struct {
		Address struct {
			Domain   string `xml:"domain,attr"`
			Bus      string `xml:"bus,attr"`
			Slot     string `xml:"slot,attr"`
			Function string `xml:"function,attr"`
		} `xml:"address"`
	} `xml:"source"`
}

// hostdevAddresses lists the PCI hostdevs already present in a definition.
func hostdevAddresses(xmlDesc string) (map[pci.Address]bool, error) {
	var dom domainXML
	if err := xml.Unmarshal([]byte(xmlDesc), &dom); err != nil {
		return nil, fmt.Errorf("parse vm xml: %w", err)
	}

	out := make(map[pci.Address]bool, len(dom.Devices.HostDevs))
	for _, hd := range dom.Devices.HostDevs {
		if !strings.EqualFold(strings.TrimSpace(hd.Type), "pci") {
			continue
		}
		src := hd.Source.Address
		addr, err := pci.AddressFromXML(src.Domain, src.Bus, src.Slot, src.Function)
		if err != nil {
			return nil, err
		}
		out[addr] = true
	}
	return out, nil
}
