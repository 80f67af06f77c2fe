package binding

import (
	"context"
	"fmt"

	"gpuswitch/logger"
	"gpuswitch/modprobe"
	"gpuswitch/pci"
)

type Action string

const (
	ActionEnable  Action = "enable"
	ActionDisable Action = "disable"
)

// Outcome records what Auto decided and what the controller returned.
type Outcome struct {
	Scope  Scope
	Action Action
	Result Result
	// Representative is set for the device list scope.
	Representative *DeviceStatus
}

// Orchestrator infers the toggle direction from the current state. A non-empty
// device list always takes precedence over the global scope.
type Orchestrator struct {
	Global *GlobalController
	List   *ListController
	Lister pci.Lister
}

func (o *Orchestrator) Auto(ctx context.Context) (Outcome, error) {
	entries, err := o.List.Entries()
	if err != nil {
		return Outcome{}, err
	}

	if len(entries) > 0 {
		rep := entries[0]
		b := pci.Lookup(o.List.Detector, rep, o.List.Settings.PassthroughDriver)
		out := Outcome{
			Scope:          ScopeDeviceList,
			Representative: &DeviceStatus{Address: rep, Binding: b},
		}
		logger.Info("auto: device list scope", "representative", rep.String(), "binding", b.String())

		if b.IsPassThrough() {
			out.Action = ActionDisable
			out.Result, err = o.List.Disable(ctx)
		} else {
			out.Action = ActionEnable
			out.Result, err = o.List.Enable(ctx)
		}
		return out, err
	}

	status, err := o.Global.Status()
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Scope: ScopeGlobal}
	logger.Info("auto: global scope", "status", string(status))

	switch status {
	case modprobe.StatusEnabled:
		out.Action = ActionDisable
		out.Result, err = o.Global.Disable(ctx)
	case modprobe.StatusDisabled:
		out.Action = ActionEnable
		out.Result, err = o.Global.Enable(ctx)
	case modprobe.StatusNotConfigured:
		err = fmt.Errorf("%w: %s does not exist and the device list is empty, run %s first",
			ErrNotConfigured, o.Global.Settings.GlobalConfigPath, o.Global.Settings.SetupCommand)
	default:
		err = fmt.Errorf("%w: refusing to guess, inspect %s", ErrUnknownState, o.Global.Settings.GlobalConfigPath)
	}
	return out, err
}
