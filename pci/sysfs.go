package pci

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jaypipes/ghw"
	"github.com/jaypipes/ghw/pkg/option"
	ghwpci "github.com/jaypipes/ghw/pkg/pci"
	"github.com/jaypipes/pcidb"
)

const sysBusPCIDevices = "sys/bus/pci/devices"

// SysfsDetector reads driver bindings and device identity from
// <Root>/sys/bus/pci/devices. It needs no privileges and no hypervisor.
//
// Device names come from the pci.ids database when one is found (PCIIDs, or
// the usual hwdata locations under Root). Without it only numeric ids are
// filled in.
type SysfsDetector struct {
	Root   string
	PCIIDs string
}

func (s *SysfsDetector) devicesDir() string {
	root := s.Root
	if root == "" {
		root = "/"
	}
	return filepath.Join(root, sysBusPCIDevices)
}

// CurrentDriver returns "" for an unbound function and for an address that
// does not exist on this host.
func (s *SysfsDetector) CurrentDriver(addr Address) (string, error) {
	devPath := filepath.Join(s.devicesDir(), addr.String())
	if _, err := os.Lstat(devPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("stat %s: %w", devPath, err)
	}
	return readDriverName(devPath)
}

func (s *SysfsDetector) ListPCIDevices() ([]HostDevice, error) {
	out, err := s.listWithGHW()
	if err != nil {
		// ghw refuses to run without a pci.ids database.
		out, err = s.scan()
		if err != nil {
			return nil, err
		}
	}
	sortDevices(out)
	return out, nil
}

func (s *SysfsDetector) listWithGHW() ([]HostDevice, error) {
	opts := []*option.Option{option.WithNullAlerter()}
	if s.Root != "" && s.Root != "/" {
		opts = append(opts, option.WithChroot(s.Root))
	}

	info, err := ghw.PCI(opts...)
	if err != nil {
		return nil, fmt.Errorf("read pci devices from sysfs: %w", err)
	}

	out := make([]HostDevice, 0, len(info.Devices))
	for _, dev := range info.Devices {
		hd, ok := hostDeviceFromGHW(dev)
		if !ok {
			continue
		}
		out = append(out, hd)
	}
	return out, nil
}

// scan reads vendor, device, class and the driver link of every function
// directly.
func (s *SysfsDetector) scan() ([]HostDevice, error) {
	base := s.devicesDir()
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, fmt.Errorf("read pci devices from %s: %w", base, err)
	}

	names := s.nameLookup()
	out := make([]HostDevice, 0, len(entries))
	for _, entry := range entries {
		addr, err := ParseLoose(entry.Name())
		if err != nil {
			continue
		}
		devPath := filepath.Join(base, entry.Name())

		class, err := readTrim(filepath.Join(devPath, "class"))
		if err != nil {
			continue
		}
		vendor, err := readTrim(filepath.Join(devPath, "vendor"))
		if err != nil {
			continue
		}
		product, err := readTrim(filepath.Join(devPath, "device"))
		if err != nil {
			continue
		}
		driver, err := readDriverName(devPath)
		if err != nil {
			return nil, err
		}

		hd := HostDevice{
			Address:   addr,
			Driver:    driver,
			VendorID:  normalizeID(vendor),
			ProductID: normalizeID(product),
			Class:     strings.ToLower(class),
		}
		hd.IsGPU = classLooksLikeGPU(hd.Class)
		hd.IsAudio = classLooksLikeAudio(hd.Class)
		hd.Vendor, hd.Product = names(hd.VendorID, hd.ProductID)
		out = append(out, hd)
	}
	return out, nil
}

func (s *SysfsDetector) nameLookup() func(vendorID, productID string) (string, string) {
	none := func(string, string) (string, string) { return "", "" }
	if s.PCIIDs == "" {
		return none
	}
	db, err := pcidb.New(pcidb.WithDirectPath(s.PCIIDs))
	if err != nil {
		return none
	}
	return func(vendorID, productID string) (vendor, product string) {
		if v, ok := db.Vendors[vendorID]; ok {
			vendor = v.Name
		}
		if p, ok := db.Products[vendorID+productID]; ok {
			product = p.Name
		}
		return vendor, product
	}
}

func readDriverName(devPath string) (string, error) {
	link, err := os.Readlink(filepath.Join(devPath, "driver"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read driver of %s: %w", filepath.Base(devPath), err)
	}
	return filepath.Base(link), nil
}

func readTrim(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func hostDeviceFromGHW(dev *ghwpci.Device) (HostDevice, bool) {
	if dev == nil {
		return HostDevice{}, false
	}
	addr, err := ParseLoose(dev.Address)
	if err != nil {
		return HostDevice{}, false
	}

	hd := HostDevice{
		Address: addr,
		Driver:  dev.Driver,
	}
	if dev.Vendor != nil {
		hd.VendorID = normalizeID(dev.Vendor.ID)
		hd.Vendor = dev.Vendor.Name
	}
	if dev.Product != nil {
		hd.ProductID = normalizeID(dev.Product.ID)
		hd.Product = dev.Product.Name
	}

	class := ""
	if dev.Class != nil {
		class = dev.Class.ID
		sub, progIf := "00", "00"
		if dev.Subclass != nil && dev.Subclass.ID != "" {
			sub = dev.Subclass.ID
		}
		if dev.ProgrammingInterface != nil && dev.ProgrammingInterface.ID != "" {
			progIf = dev.ProgrammingInterface.ID
		}
		class = "0x" + class + sub + progIf
	}
	hd.Class = class
	hd.IsGPU = classLooksLikeGPU(class)
	hd.IsAudio = classLooksLikeAudio(class)
	return hd, true
}
