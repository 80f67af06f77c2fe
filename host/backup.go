package host

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gpuswitch/logger"
)

const backupTimeLayout = "20060102-150405"

// Clock returns the current time. A nil Clock is the wall clock.
type Clock func() time.Time

func (c Clock) Now() time.Time {
	if c == nil {
		return time.Now()
	}
	return c()
}

// Backup copies path to <path>.backup.<YYYYMMDD-HHMMSS> keeping its mode and
// returns the backup name. A missing source yields "" and no error.
func Backup(path string, now time.Time) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s for backup: %w", path, err)
	}
	mode := fs.FileMode(0o644)
	if fi, err := os.Stat(path); err == nil {
		mode = fi.Mode().Perm()
	}
	return WriteBackup(path, data, mode, now)
}

// WriteBackup stores data as <base>.backup.<timestamp>. A backup taken in the
// same second gets a .1, .2, ... suffix instead of overwriting the earlier one.
func WriteBackup(base string, data []byte, mode fs.FileMode, now time.Time) (string, error) {
	name := base + ".backup." + now.Format(backupTimeLayout)
	candidate := name
	for i := 1; ; i++ {
		f, err := os.OpenFile(candidate, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
		if errors.Is(err, os.ErrExist) {
			candidate = name + "." + strconv.Itoa(i)
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create backup %s: %w", candidate, err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return "", fmt.Errorf("write backup %s: %w", candidate, err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("close backup %s: %w", candidate, err)
		}
		logger.Info("backup written", "source", base, "backup", candidate)
		return candidate, nil
	}
}
