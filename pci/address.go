package pci

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidFormat is returned for any text that is not a BDF address.
var ErrInvalidFormat = errors.New("invalid pci address format")

var (
	bdfPattern         = regexp.MustCompile(`(?i)^(?:(0000):)?([0-9a-f]{2}):([0-9a-f]{2})\.([0-7])$`)
	fullBDFPattern     = regexp.MustCompile(`(?i)^([0-9a-f]{4}):([0-9a-f]{2}):([0-9a-f]{2})\.([0-7])$`)
	nodeNamePattern    = regexp.MustCompile(`(?i)^pci_([0-9a-f]{4})_([0-9a-f]{2})_([0-9a-f]{2})_([0-7])$`)
	rawNodeNamePattern = regexp.MustCompile(`(?i)^([0-9a-f]{4})_([0-9a-f]{2})_([0-9a-f]{2})_([0-7])$`)
)

// Address identifies a PCI function using its domain:bus:slot.function.
type Address struct {
	Domain   uint16
	Bus      uint8
	Slot     uint8
	Function uint8
}

func (a Address) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%d", a.Domain, a.Bus, a.Slot, a.Function)
}

// NodeDeviceName is the libvirt node device name, e.g. pci_0000_03_00_0.
func (a Address) NodeDeviceName() string {
	return fmt.Sprintf("pci_%04x_%02x_%02x_%d", a.Domain, a.Bus, a.Slot, a.Function)
}

// Companion returns function 1 on the same bus and slot, where a GPU usually
// exposes its HDMI/DP audio controller.
func (a Address) Companion() Address {
	a.Function = 1
	return a
}

func (a Address) SameSlot(b Address) bool {
	return a.Domain == b.Domain && a.Bus == b.Bus && a.Slot == b.Slot
}

// Parse accepts operator input: "03:00.0" or "0000:03:00.0".
func Parse(raw string) (Address, error) {
	s := strings.TrimSpace(raw)
	m := bdfPattern.FindStringSubmatch(s)
	if m == nil {
		return Address{}, fmt.Errorf("%w: %q (expected bb:ss.f or 0000:bb:ss.f, e.g. 03:00.0)", ErrInvalidFormat, raw)
	}
	return addressFromHexParts("0000", m[2], m[3], m[4])
}

// Normalize returns the canonical dddd:bb:ss.f form of raw.
func Normalize(raw string) (string, error) {
	addr, err := Parse(raw)
	if err != nil {
		return "", err
	}
	return addr.String(), nil
}

// ParseLoose accepts everything Parse does plus forms found in libvirt and
// sysfs data:
// - 0000:65:00.0 with any domain
// - pci_0000_65_00_0
// - 0000_65_00_0
// - /sys/bus/pci/devices/0000:65:00.0
func ParseLoose(raw string) (Address, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Address{}, fmt.Errorf("%w: pci address is empty", ErrInvalidFormat)
	}
	if idx := strings.LastIndexByte(s, '/'); idx >= 0 {
		s = strings.TrimSpace(s[idx+1:])
	}

	if m := fullBDFPattern.FindStringSubmatch(s); len(m) == 5 {
		return addressFromHexParts(m[1], m[2], m[3], m[4])
	}
	if m := nodeNamePattern.FindStringSubmatch(s); len(m) == 5 {
		return addressFromHexParts(m[1], m[2], m[3], m[4])
	}
	if m := rawNodeNamePattern.FindStringSubmatch(s); len(m) == 5 {
		return addressFromHexParts(m[1], m[2], m[3], m[4])
	}
	return Parse(s)
}

func addressFromHexParts(domain, bus, slot, function string) (Address, error) {
	d, err := strconv.ParseUint(domain, 16, 16)
	if err != nil {
		return Address{}, fmt.Errorf("%w: domain %q: %v", ErrInvalidFormat, domain, err)
	}
	b, err := strconv.ParseUint(bus, 16, 8)
	if err != nil {
		return Address{}, fmt.Errorf("%w: bus %q: %v", ErrInvalidFormat, bus, err)
	}
	s, err := strconv.ParseUint(slot, 16, 8)
	if err != nil {
		return Address{}, fmt.Errorf("%w: slot %q: %v", ErrInvalidFormat, slot, err)
	}
	f, err := strconv.ParseUint(function, 16, 8)
	if err != nil {
		return Address{}, fmt.Errorf("%w: function %q: %v", ErrInvalidFormat, function, err)
	}
	return Address{
		Domain:   uint16(d),
		Bus:      uint8(b),
		Slot:     uint8(s),
		Function: uint8(f),
	}, nil
}

// AddressFromXML decodes the domain/bus/slot/function attributes libvirt uses,
// which may be hex with a 0x prefix or plain decimal.
func AddressFromXML(domain, bus, slot, function string) (Address, error) {
	d, err := parseXMLPCIComponent(domain, 16)
	if err != nil {
		return Address{}, fmt.Errorf("invalid pci domain %q: %w", domain, err)
	}
	b, err := parseXMLPCIComponent(bus, 8)
	if err != nil {
		return Address{}, fmt.Errorf("invalid pci bus %q: %w", bus, err)
	}
	s, err := parseXMLPCIComponent(slot, 8)
	if err != nil {
		return Address{}, fmt.Errorf("invalid pci slot %q: %w", slot, err)
	}
	f, err := parseXMLPCIComponent(function, 8)
	if err != nil {
		return Address{}, fmt.Errorf("invalid pci function %q: %w", function, err)
	}
	if f > 7 {
		return Address{}, fmt.Errorf("invalid pci function %q: out of range", function)
	}
	return Address{
		Domain:   uint16(d),
		Bus:      uint8(b),
		Slot:     uint8(s),
		Function: uint8(f),
	}, nil
}

func parseXMLPCIComponent(raw string, bitSize int) (uint64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}

	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s, 0, bitSize)
	}

	if v, err := strconv.ParseUint(s, 10, bitSize); err == nil {
		return v, nil
	}

	return strconv.ParseUint(s, 16, bitSize)
}
