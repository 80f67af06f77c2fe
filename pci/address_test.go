package pci

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "full bdf", input: "0000:65:00.0", want: "0000:65:00.0"},
		{name: "short bdf", input: "65:00.0", want: "0000:65:00.0"},
		{name: "upper case", input: "0000:0A:1F.3", want: "0000:0a:1f.3"},
		{name: "surrounding space", input: "  03:00.1\n", want: "0000:03:00.1"},
		{name: "function out of range", input: "03:00.8", wantErr: true},
		{name: "non zero domain", input: "0001:03:00.0", wantErr: true},
		{name: "single digit bus", input: "3:00.0", wantErr: true},
		{name: "node name", input: "pci_0000_65_00_1", wantErr: true},
		{name: "empty", input: "", wantErr: true},
		{name: "garbage", input: "gpu0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := Parse(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidFormat), "want ErrInvalidFormat, got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, addr.String())
		})
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	for _, input := range []string{"03:00.0", "0000:03:00.1", "AF:1e.7", "0000:ff:00.0"} {
		once, err := Normalize(input)
		require.NoError(t, err)
		twice, err := Normalize(once)
		require.NoError(t, err)
		assert.Equal(t, once, twice, "input %q", input)
	}
}

func TestParseLoose(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "full bdf", input: "0000:65:00.0", want: "0000:65:00.0"},
		{name: "other domain", input: "0001:65:00.0", want: "0001:65:00.0"},
		{name: "short bdf", input: "65:00.0", want: "0000:65:00.0"},
		{name: "node name", input: "pci_0000_65_00_1", want: "0000:65:00.1"},
		{name: "raw node name", input: "0000_65_00_2", want: "0000:65:00.2"},
		{name: "sysfs path", input: "/sys/bus/pci/devices/0000:03:00.0", want: "0000:03:00.0"},
		{name: "invalid", input: "gpu0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := ParseLoose(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, addr.String())
		})
	}
}

func TestCompanionAndSameSlot(t *testing.T) {
	gpu, err := Parse("03:00.0")
	require.NoError(t, err)

	audio := gpu.Companion()
	assert.Equal(t, "0000:03:00.1", audio.String())
	assert.True(t, gpu.SameSlot(audio))

	other, err := Parse("04:00.1")
	require.NoError(t, err)
	assert.False(t, gpu.SameSlot(other))
	assert.Equal(t, "pci_0000_03_00_0", gpu.NodeDeviceName())
}
