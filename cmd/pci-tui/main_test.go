package main

import (
	"bufio"
	"strings"
	"testing"

	"gpuswitch/pci"
)

func TestAskPCIRef(t *testing.T) {
	last := []pci.HostDevice{{Address: pci.Address{Bus: 0x65}}, {Address: pci.Address{Bus: 0x65, Function: 1}}}

	tests := []struct {
		input   string
		last    []pci.HostDevice
		want    string
		wantErr bool
	}{
		{input: "2\n", last: last, want: "0000:65:00.1"},
		{input: "65:00.0\n", want: "0000:65:00.0"},
		{input: "3\n", last: last, wantErr: true},
		{input: "1\n", wantErr: true},
		{input: "\n", wantErr: true},
		{input: "pci_0000_65_00_0\n", wantErr: true},
	}
	for _, tt := range tests {
		got, err := askPCIRef(bufio.NewReader(strings.NewReader(tt.input)), tt.last, "GPU")
		if tt.wantErr {
			if err == nil {
				t.Fatalf("askPCIRef(%q) expected error, got %q", tt.input, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("askPCIRef(%q) unexpected error: %v", tt.input, err)
		}
		if got != tt.want {
			t.Fatalf("askPCIRef(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
