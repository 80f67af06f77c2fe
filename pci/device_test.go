package pci

import (
	"testing"

	ghwpci "github.com/jaypipes/ghw/pkg/pci"
	"github.com/jaypipes/pcidb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNodeDeviceXML(t *testing.T) {
	const xmlDesc = `
<device>
  <name>pci_0000_65_00_0</name>
  <path>/sys/devices/pci0000:00/0000:65:00.0</path>
  <driver><name>vfio-pci</name></driver>
  <capability type='pci'>
    <class>0x030000</class>
    <domain>0</domain>
    <bus>101</bus>
    <slot>0</slot>
    <function>0</function>
    <product id='0x1b80'>GeForce GTX</product>
    <vendor id='0x10de'>NVIDIA</vendor>
    <iommuGroup number='53'/>
  </capability>
</device>`

	dev, err := ParseNodeDeviceXML(xmlDesc)
	require.NoError(t, err)
	assert.Equal(t, "0000:65:00.0", dev.Address.String())
	assert.Equal(t, "vfio-pci", dev.Driver)
	assert.Equal(t, "10de", dev.VendorID)
	assert.Equal(t, "1b80", dev.ProductID)
	assert.True(t, dev.IsGPU)
	assert.False(t, dev.IsAudio)
}

func TestParseNodeDeviceXMLAudio(t *testing.T) {
	const xmlDesc = `
<device>
  <name>pci_0000_65_00_1</name>
  <capability type='pci'>
    <class>0x040300</class>
    <domain>0</domain>
    <bus>101</bus>
    <slot>0</slot>
    <function>1</function>
    <vendor id='0x10de'>NVIDIA</vendor>
  </capability>
</device>`

	dev, err := ParseNodeDeviceXML(xmlDesc)
	require.NoError(t, err)
	assert.Equal(t, "0000:65:00.1", dev.Address.String())
	assert.Empty(t, dev.Driver)
	assert.True(t, dev.IsAudio)
	assert.False(t, dev.IsGPU)
}

func TestParseNodeDeviceXMLRejectsBadAddress(t *testing.T) {
	_, err := ParseNodeDeviceXML(`<device><capability type='pci'><bus>zz</bus></capability></device>`)
	assert.Error(t, err)
}

func TestDisplayAndAudioDevices(t *testing.T) {
	devices := []HostDevice{
		{Address: Address{Bus: 4}, VendorID: "10de", IsGPU: true},
		{Address: Address{Bus: 3}, VendorID: "10de", IsGPU: true},
		{Address: Address{Bus: 3, Function: 1}, VendorID: "10de", IsAudio: true},
		{Address: Address{Bus: 8}, VendorID: "1002", IsGPU: true},
		{Address: Address{Bus: 0, Slot: 0x1f, Function: 3}, VendorID: "8086", IsAudio: true},
	}

	gpus := DisplayDevices(devices, "0x10DE")
	require.Len(t, gpus, 2)
	assert.Equal(t, "0000:03:00.0", gpus[0].Address.String())
	assert.Equal(t, "0000:04:00.0", gpus[1].Address.String())

	audio := AudioDevices(devices, "10de")
	require.Len(t, audio, 1)
	assert.Equal(t, "0000:03:00.1", audio[0].Address.String())
}

func TestHostDeviceFromGHW(t *testing.T) {
	dev := &ghwpci.Device{
		Address:              "0000:03:00.1",
		Driver:               "snd_hda_intel",
		Vendor:               &pcidb.Vendor{ID: "10de", Name: "unknown"},
		Product:              &pcidb.Product{ID: "10f0", Name: "unknown"},
		Class:                &pcidb.Class{ID: "04"},
		Subclass:             &pcidb.Subclass{ID: "03"},
		ProgrammingInterface: &pcidb.ProgrammingInterface{ID: "00"},
	}

	hd, ok := hostDeviceFromGHW(dev)
	require.True(t, ok)
	assert.Equal(t, "0000:03:00.1", hd.Address.String())
	assert.Equal(t, "0x040300", hd.Class)
	assert.True(t, hd.IsAudio)
	assert.Equal(t, "snd_hda_intel", hd.Driver)

	_, ok = hostDeviceFromGHW(&ghwpci.Device{Address: "not-an-address"})
	assert.False(t, ok)
}
