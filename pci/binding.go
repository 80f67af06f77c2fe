package pci

import "strings"

type BindingKind int

const (
	BindingUnknown BindingKind = iota
	BindingNone
	BindingHostDriver
	BindingPassThrough
)

// Binding is the driver a function is bound to right now. It is always derived
// from the kernel and never persisted.
type Binding struct {
	Kind   BindingKind
	Driver string
}

func (b Binding) String() string {
	switch b.Kind {
	case BindingNone:
		return "none"
	case BindingHostDriver:
		return "host-driver(" + b.Driver + ")"
	case BindingPassThrough:
		return "pass-through(" + b.Driver + ")"
	default:
		return "unknown"
	}
}

func (b Binding) IsPassThrough() bool { return b.Kind == BindingPassThrough }

// Classify maps a kernel driver name to a Binding.
func Classify(driver, passthroughDriver string) Binding {
	driver = strings.TrimSpace(driver)
	switch {
	case driver == "":
		return Binding{Kind: BindingNone}
	case strings.EqualFold(driver, strings.TrimSpace(passthroughDriver)):
		return Binding{Kind: BindingPassThrough, Driver: driver}
	default:
		return Binding{Kind: BindingHostDriver, Driver: driver}
	}
}

// Detector reports the kernel driver currently bound to a PCI function. An
// unbound or absent function yields "" and a nil error.
type Detector interface {
	CurrentDriver(addr Address) (string, error)
}

type DetectorFunc func(addr Address) (string, error)

func (f DetectorFunc) CurrentDriver(addr Address) (string, error) { return f(addr) }

// StaticDetector answers from a fixed map keyed by canonical address.
type StaticDetector map[string]string

func (s StaticDetector) CurrentDriver(addr Address) (string, error) {
	return s[addr.String()], nil
}

// Lookup queries d and folds detection failures into BindingUnknown.
func Lookup(d Detector, addr Address, passthroughDriver string) Binding {
	driver, err := d.CurrentDriver(addr)
	if err != nil {
		return Binding{Kind: BindingUnknown}
	}
	return Classify(driver, passthroughDriver)
}
