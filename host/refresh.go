package host

import (
	"context"
	"fmt"
	"strings"

	"gpuswitch/logger"
)

// BootImageRefresher regenerates the early boot image so driver binding
// changes take effect on the next boot.
type BootImageRefresher interface {
	Refresh(ctx context.Context) error
}

// refreshCandidates are tried in order when no command is configured.
var refreshCandidates = [][]string{
	{"update-initramfs", "-u"},
	{"dracut", "-f"},
	{"mkinitcpio", "-P"},
}

type CommandRefresher struct {
	Command []string
	Runner  Runner
	// HasBinary defaults to a PATH lookup.
	HasBinary func(name string) bool
}

func (r *CommandRefresher) Refresh(ctx context.Context) error {
	cmd, err := r.resolve()
	if err != nil {
		return err
	}
	runner := r.Runner
	if runner == nil {
		runner = ExecRunner{MaybeSudo: true}
	}

	logger.Info("refreshing boot image", "command", strings.Join(cmd, " "))
	if _, err := runner.Run(ctx, cmd[0], cmd[1:]...); err != nil {
		return fmt.Errorf("boot image refresh: %w", err)
	}
	return nil
}

func (r *CommandRefresher) resolve() ([]string, error) {
	if len(r.Command) > 0 {
		return r.Command, nil
	}
	has := r.HasBinary
	if has == nil {
		has = HasBinary
	}
	tried := make([]string, 0, len(refreshCandidates))
	for _, c := range refreshCandidates {
		if has(c[0]) {
			return c, nil
		}
		tried = append(tried, c[0])
	}
	return nil, fmt.Errorf("no boot image tool found (tried %s); set boot_refresh_command in the config", strings.Join(tried, ", "))
}
