package virsh

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v4/process"
)

// Warning is a failed preflight check. It never blocks on its own.
type Warning struct {
	Check  string
	Detail string
	Remedy string
}

func (w Warning) String() string {
	return fmt.Sprintf("[%s] %s (fix: %s)", w.Check, w.Detail, w.Remedy)
}

type Checker interface {
	Check(ctx context.Context) []Warning
}

// Identity is the user a session connection runs as.
type Identity struct {
	User   string
	Groups map[string]uint32
}

func (id Identity) hasGID(gid uint32) bool {
	for _, g := range id.Groups {
		if g == gid {
			return true
		}
	}
	return false
}

// Preflight checks what an unprivileged VM needs to use a pass-through
// device: group membership, access to the vfio group files and an unlimited
// locked memory limit.
type Preflight struct {
	RequiredGroups []string
	VFIODir        string
	Identity       func() (Identity, error)
	Memlock        func(ctx context.Context) (uint64, error)
}

func NewPreflight(requiredGroups []string) *Preflight {
	return &Preflight{
		RequiredGroups: requiredGroups,
		VFIODir:        "/dev/vfio",
		Identity:       currentIdentity,
		Memlock:        processMemlock,
	}
}

func (p *Preflight) Check(ctx context.Context) []Warning {
	var warnings []Warning

	id, err := p.Identity()
	if err != nil {
		warnings = append(warnings, Warning{
			Check:  "groups",
			Detail: fmt.Sprintf("cannot resolve current user: %v", err),
			Remedy: "run as a regular login user",
		})
	} else {
		warnings = append(warnings, p.checkGroups(id)...)
		warnings = append(warnings, p.checkVFIOFiles(id)...)
	}

	if w, ok := p.checkMemlock(ctx); !ok {
		warnings = append(warnings, w)
	}
	return warnings
}

func (p *Preflight) checkGroups(id Identity) []Warning {
	var out []Warning
	for _, g := range p.RequiredGroups {
		if _, ok := id.Groups[g]; ok {
			continue
		}
		out = append(out, Warning{
			Check:  "groups",
			Detail: fmt.Sprintf("user %s is not in group %s", id.User, g),
			Remedy: fmt.Sprintf("sudo usermod -aG %s %s, then log in again", g, id.User),
		})
	}
	return out
}

func (p *Preflight) checkVFIOFiles(id Identity) []Warning {
	entries, err := os.ReadDir(p.VFIODir)
	if err != nil {
		return []Warning{{
			Check:  "vfio",
			Detail: fmt.Sprintf("cannot read %s: %v", p.VFIODir, err),
			Remedy: "enable pass-through, reboot and check that the IOMMU is on",
		}}
	}

	var out []Warning
	groups := 0
	for _, e := range entries {
		// "vfio" is the container device; numbered entries are IOMMU groups.
		if _, err := strconv.Atoi(e.Name()); err != nil {
			continue
		}
		groups++
		path := filepath.Join(p.VFIODir, e.Name())
		fi, err := os.Stat(path)
		if err != nil {
			continue
		}
		st, ok := fi.Sys().(*syscall.Stat_t)
		if !ok || id.hasGID(st.Gid) {
			continue
		}
		out = append(out, Warning{
			Check:  "vfio",
			Detail: fmt.Sprintf("%s is owned by group %s, which %s is not in", path, groupName(st.Gid), id.User),
			Remedy: fmt.Sprintf("add a udev rule: SUBSYSTEM==\"vfio\", GROUP=\"%s\", MODE=\"0660\"", firstOr(p.RequiredGroups, "kvm")),
		})
	}
	if groups == 0 {
		out = append(out, Warning{
			Check:  "vfio",
			Detail: fmt.Sprintf("no IOMMU group files in %s", p.VFIODir),
			Remedy: "enable pass-through and reboot so vfio-pci claims the device",
		})
	}
	return out
}

func (p *Preflight) checkMemlock(ctx context.Context) (Warning, bool) {
	limit, err := p.Memlock(ctx)
	if err != nil {
		return Warning{
			Check:  "memlock",
			Detail: fmt.Sprintf("cannot read the locked memory limit: %v", err),
			Remedy: "check /etc/security/limits.conf",
		}, false
	}
	if limit == math.MaxUint64 {
		return Warning{}, true
	}
	return Warning{
		Check:  "memlock",
		Detail: fmt.Sprintf("locked memory limit is %d bytes, guest RAM must be lockable", limit),
		Remedy: "set \"@kvm - memlock unlimited\" in /etc/security/limits.conf and log in again",
	}, false
}

func currentIdentity() (Identity, error) {
	u, err := user.Current()
	if err != nil {
		return Identity{}, err
	}
	gids, err := u.GroupIds()
	if err != nil {
		return Identity{}, fmt.Errorf("list groups of %s: %w", u.Username, err)
	}

	id := Identity{User: u.Username, Groups: make(map[string]uint32, len(gids))}
	for _, raw := range gids {
		gid, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			continue
		}
		name := raw
		if g, err := user.LookupGroupId(raw); err == nil {
			name = g.Name
		}
		id.Groups[name] = uint32(gid)
	}
	return id, nil
}

func processMemlock(ctx context.Context) (uint64, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	limits, err := proc.RlimitWithContext(ctx)
	if err != nil {
		return 0, err
	}
	for _, l := range limits {
		if l.Resource == process.RLIMIT_MEMLOCK {
			return l.Soft, nil
		}
	}
	return 0, fmt.Errorf("memlock limit not reported")
}

func groupName(gid uint32) string {
	raw := strconv.FormatUint(uint64(gid), 10)
	if g, err := user.LookupGroupId(raw); err == nil {
		return g.Name
	}
	return raw
}

func firstOr(values []string, fallback string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return fallback
}
