package virsh

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gpuswitch/host"
	"gpuswitch/logger"
)

// Restorer defines a VM again from a definition backup.
type Restorer struct {
	Hypervisor Hypervisor
	Clock      host.Clock
	BackupDir  string
}

// Restore replaces the definition of vmName with the one in backupPath. The
// definition being replaced is itself backed up first; its path is returned,
// or "" when the VM no longer exists.
func (r *Restorer) Restore(vmName, backupPath string) (string, error) {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return "", fmt.Errorf("read backup %s: %w", backupPath, err)
	}

	var dom domainXML
	if err := xml.Unmarshal(data, &dom); err != nil {
		return "", fmt.Errorf("parse backup %s: %w", backupPath, err)
	}
	name := strings.TrimSpace(dom.Name)
	if name == "" {
		return "", fmt.Errorf("backup %s has no vm name", backupPath)
	}
	if name != vmName {
		return "", fmt.Errorf("%w: %s defines %q, not %q", ErrBackupMismatch, backupPath, name, vmName)
	}

	prev, err := r.backupCurrent(name)
	if err != nil {
		return "", err
	}
	if err := r.Hypervisor.DefineXML(string(data)); err != nil {
		return prev, err
	}
	logger.Info("vm definition restored", "vm", name, "backup", backupPath, "previous", prev)
	return prev, nil
}

func (r *Restorer) backupCurrent(name string) (string, error) {
	vm, err := r.Hypervisor.LookupVM(name)
	if errors.Is(err, ErrVMNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer vm.Free()

	current, err := vm.XML()
	if err != nil {
		return "", err
	}
	return host.WriteBackup(filepath.Join(r.BackupDir, name+".xml"), []byte(current), fs.FileMode(0o600), r.Clock.Now())
}
