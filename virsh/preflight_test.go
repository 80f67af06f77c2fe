package virsh

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPreflight(t *testing.T, groups map[string]uint32, memlock uint64) *Preflight {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vfio"), nil, 0o666))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "12"), nil, 0o660))
	return &Preflight{
		RequiredGroups: []string{"kvm", "libvirt"},
		VFIODir:        dir,
		Identity: func() (Identity, error) {
			return Identity{User: "bob", Groups: groups}, nil
		},
		Memlock: func(context.Context) (uint64, error) { return memlock, nil },
	}
}

func checks(ws []Warning) []string {
	out := make([]string, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Check)
	}
	return out
}

func TestPreflightAllGood(t *testing.T) {
	p := newTestPreflight(t, map[string]uint32{
		"kvm":     1001,
		"libvirt": 1002,
		"self":    uint32(os.Getegid()),
	}, math.MaxUint64)

	assert.Empty(t, p.Check(context.Background()))
}

func TestPreflightReportsEachFailure(t *testing.T) {
	p := newTestPreflight(t, map[string]uint32{"kvm": uint32(os.Getegid()) + 1}, 64*1024)

	ws := p.Check(context.Background())
	assert.Equal(t, []string{"groups", "vfio", "memlock"}, checks(ws))
	assert.Contains(t, ws[0].Detail, "group libvirt")
	assert.Contains(t, ws[0].Remedy, "usermod -aG libvirt bob")
	assert.Contains(t, ws[1].Detail, filepath.Join(p.VFIODir, "12"))
	assert.Contains(t, ws[2].Detail, "65536")
}

func TestPreflightNoIOMMUGroups(t *testing.T) {
	p := newTestPreflight(t, map[string]uint32{"kvm": 1, "libvirt": 2}, math.MaxUint64)
	require.NoError(t, os.Remove(filepath.Join(p.VFIODir, "12")))

	ws := p.Check(context.Background())
	require.Len(t, ws, 1)
	assert.Contains(t, ws[0].Detail, "no IOMMU group files")
}

func TestPreflightIdentityAndMemlockErrors(t *testing.T) {
	p := newTestPreflight(t, nil, 0)
	p.Identity = func() (Identity, error) { return Identity{}, errors.New("no passwd entry") }
	p.Memlock = func(context.Context) (uint64, error) { return 0, errors.New("no /proc") }

	assert.Equal(t, []string{"groups", "memlock"}, checks(p.Check(context.Background())))
}
