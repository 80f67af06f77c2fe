package main

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"gpuswitch/binding"
	"gpuswitch/config"
	"gpuswitch/host"
	"gpuswitch/logger"
	"gpuswitch/pci"
	"gpuswitch/prompt"
)

type app struct {
	in       io.Reader
	out      io.Writer
	cfg      config.Config
	yes      bool
	noReboot bool

	// set by tests
	loadConfig func() (config.Config, error)
	detector   pci.Detector
	lister     pci.Lister
	refresher  host.BootImageRefresher
	rebooter   host.Rebooter
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	return newRootCmdWithApp(&app{in: in, out: out, loadConfig: config.Load})
}

func newRootCmdWithApp(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gpuswitch",
		Short: "Switch a GPU between its host driver and vfio-pci",
		Long: `Switch a GPU between its native host driver and the pass-through driver.

Changes are written to the modprobe configuration or the device list and take
effect after the boot image is refreshed and the machine reboots.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
	}
	cmd.SetOut(a.out)
	cmd.PersistentFlags().BoolVarP(&a.yes, "yes", "y", false, "answer yes to every prompt (reboots immediately)")
	cmd.PersistentFlags().BoolVar(&a.noReboot, "no-reboot", false, "never reboot, only refresh the boot image")

	cmd.AddCommand(
		autoCmd(a),
		globalCmd(a, "enable", "Enable pass-through for every GPU of the vendor", (*binding.GlobalController).Enable),
		globalCmd(a, "disable", "Return every GPU of the vendor to its host driver", (*binding.GlobalController).Disable),
		statusCmd(a),
		singleCmd(a),
	)
	return cmd
}

func (a *app) init() error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	a.cfg = cfg
	logger.SetType(cfg.LogMode)
	logger.With("run_id", uuid.NewString())
	return nil
}

func (a *app) confirmer() prompt.Confirmer {
	switch {
	case a.noReboot:
		return prompt.Always(false)
	case a.yes:
		return prompt.Always(true)
	default:
		return &prompt.Terminal{In: a.in, Out: a.out}
	}
}

func (a *app) orchestrator() *binding.Orchestrator {
	settings := binding.SettingsFromConfig(a.cfg)

	sysfs := &pci.SysfsDetector{Root: a.cfg.SysfsRoot, PCIIDs: a.cfg.PCIIDsPath}
	detector, lister := a.detector, a.lister
	if detector == nil {
		detector = sysfs
	}
	if lister == nil {
		lister = sysfs
	}
	runner := host.ExecRunner{MaybeSudo: true}
	refresher := a.refresher
	if refresher == nil {
		refresher = &host.CommandRefresher{Command: a.cfg.BootRefreshCommand, Runner: runner}
	}
	rebooter := a.rebooter
	if rebooter == nil {
		rebooter = host.SystemdRebooter{Runner: runner}
	}
	confirmer := a.confirmer()

	return &binding.Orchestrator{
		Global: &binding.GlobalController{
			Settings:  settings,
			Refresher: refresher,
			Rebooter:  rebooter,
			Confirmer: confirmer,
		},
		List: &binding.ListController{
			Settings:  settings,
			Detector:  detector,
			Refresher: refresher,
			Rebooter:  rebooter,
			Confirmer: confirmer,
		},
		Lister: lister,
	}
}

func autoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "auto",
		Short: "Toggle pass-through based on the current state",
		Long: `Toggle pass-through based on the current state.

A non-empty device list wins: its first device decides the direction. Otherwise
the global claim directive is flipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := a.orchestrator().Auto(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s scope: %s %s\n", out.Scope, out.Action, describeResult(out.Result))
			if out.Representative != nil {
				fmt.Fprintf(a.out, "decided by %s (%s)\n", out.Representative.Address, out.Representative.Binding)
			}
			return nil
		},
	}
}

func globalCmd(a *app, use, short string, op func(*binding.GlobalController, context.Context) (binding.Result, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := op(a.orchestrator().Global, cmd.Context())
			if err != nil {
				return err
			}
			if res == binding.ResultAlreadyInState {
				fmt.Fprintf(a.out, "global scope is already %sd, nothing to do\n", use)
				return nil
			}
			fmt.Fprintf(a.out, "global scope %sd in %s\n", use, a.cfg.GlobalConfigPath)
			return nil
		},
	}
}

func describeResult(r binding.Result) string {
	if r == binding.ResultAlreadyInState {
		return "(already in state, nothing changed)"
	}
	return "(applied, takes effect after reboot)"
}
