package devlist

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/moby/sys/atomicwriter"

	"gpuswitch/pci"
)

const header = "# PCI functions bound to the pass-through driver at boot.\n" +
	"# One address per line, written by gpuswitch single set.\n"

// Read returns the listed addresses in file order. A missing file is an
// empty list.
func Read(path string) ([]pci.Address, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read device list %s: %w", path, err)
	}
	return Decode(data, path)
}

// Decode parses list content; name is used in error messages only.
func Decode(data []byte, name string) ([]pci.Address, error) {
	var out []pci.Address
	sc := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		addr, err := pci.Parse(text)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", name, lineNo, err)
		}
		out = append(out, addr)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", name, err)
	}
	return out, nil
}

func Encode(addrs []pci.Address) []byte {
	var b strings.Builder
	b.WriteString(header)
	for _, a := range addrs {
		b.WriteString(a.String())
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// Write replaces path atomically so a reader never sees a torn list.
func Write(path string, addrs []pci.Address) error {
	if err := atomicwriter.WriteFile(path, Encode(addrs), 0o644); err != nil {
		return fmt.Errorf("write device list %s: %w", path, err)
	}
	return nil
}

// Truncate atomically replaces path with an empty file.
func Truncate(path string) error {
	if err := atomicwriter.WriteFile(path, nil, 0o644); err != nil {
		return fmt.Errorf("truncate device list %s: %w", path, err)
	}
	return nil
}
