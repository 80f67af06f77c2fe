package host

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/v22/dbus"

	"gpuswitch/logger"
)

type Rebooter interface {
	Reboot(ctx context.Context) error
}

// SystemdRebooter starts reboot.target over the systemd D-Bus API and falls
// back to "systemctl reboot" when the bus is unreachable.
type SystemdRebooter struct {
	Runner Runner
}

func (r SystemdRebooter) Reboot(ctx context.Context) error {
	logger.Warn("reboot requested")

	conn, err := dbus.NewSystemdConnectionContext(ctx)
	if err == nil {
		defer conn.Close()
		_, err = conn.StartUnitContext(ctx, "reboot.target", "replace-irreversibly", nil)
		if err == nil {
			return nil
		}
	}
	logger.Warnf("systemd dbus reboot failed, falling back to systemctl: %v", err)

	runner := r.Runner
	if runner == nil {
		runner = ExecRunner{MaybeSudo: true}
	}
	if _, err := runner.Run(ctx, "systemctl", "reboot"); err != nil {
		return fmt.Errorf("reboot: %w", err)
	}
	return nil
}
