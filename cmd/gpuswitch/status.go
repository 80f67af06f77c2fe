package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"gpuswitch/binding"
	"gpuswitch/modprobe"
)

func statusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the pending configuration and the live driver bindings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rep, err := a.orchestrator().Report()
			if err != nil {
				return err
			}
			a.printReport(rep)
			return nil
		},
	}
}

func (a *app) printReport(rep binding.Report) {
	d := rep.Desired
	fmt.Fprintf(a.out, "global scope (%s): %s\n", a.cfg.GlobalConfigPath, d.GlobalStatus)
	switch d.GlobalStatus {
	case modprobe.StatusNotConfigured:
		fmt.Fprintf(a.out, "  run %s to create it\n", a.cfg.SetupCommand)
	case modprobe.StatusUnknown:
		fmt.Fprintf(a.out, "  no claim directive found, inspect the file\n")
	}

	if d.Scope == binding.ScopeDeviceList {
		fmt.Fprintf(a.out, "device list (%s): %d device(s), takes precedence\n", a.cfg.DeviceListPath, len(d.Devices))
	} else {
		fmt.Fprintf(a.out, "device list (%s): inactive\n", a.cfg.DeviceListPath)
	}

	if d.Scope == binding.ScopeNone {
		fmt.Fprintln(a.out, "pending: nothing configured")
		return
	}
	want := "host driver"
	if d.PassThrough {
		want = "pass-through"
	}
	fmt.Fprintf(a.out, "pending (%s scope): %s\n", d.Scope, want)

	for _, dev := range rep.Devices {
		marker := ""
		if dev.RebootRequired {
			marker = "  reboot required"
		}
		fmt.Fprintf(a.out, "  %s  now %s%s\n", dev.Address, dev.Actual, marker)
	}
	if rep.RebootRequired {
		fmt.Fprintln(a.out, "live bindings differ from the pending configuration until the next reboot")
	}
}

func singleCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "single",
		Short: "Manage pass-through for an explicit list of PCI functions",
	}

	set := &cobra.Command{
		Use:   "set <bdf> [companion-bdf]",
		Short: "Replace the device list, e.g. set 03:00.0 03:00.1",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			companion := ""
			if len(args) == 2 {
				companion = args[1]
			}
			list := a.orchestrator().List
			if err := list.Set(args[0], companion); err != nil {
				return err
			}
			entries, err := list.Entries()
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "device list %s now holds %s\n", a.cfg.DeviceListPath, joinAddresses(entries))
			fmt.Fprintln(a.out, "run \"gpuswitch single enable\" to apply it")
			return nil
		},
	}

	enable := &cobra.Command{
		Use:   "enable",
		Short: "Refresh the boot image so the listed devices bind to the pass-through driver",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := a.orchestrator().List.Enable(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "device list scope enabled, takes effect after reboot")
			return nil
		},
	}

	disable := &cobra.Command{
		Use:   "disable",
		Short: "Empty the device list (a backup is kept) and refresh the boot image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := a.orchestrator().List.Disable(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "device list scope disabled, takes effect after reboot")
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the live driver of every listed device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.orchestrator().List.Status()
			if err != nil {
				return err
			}
			if len(st) == 0 {
				fmt.Fprintf(a.out, "device list %s is empty\n", a.cfg.DeviceListPath)
				return nil
			}
			for _, s := range st {
				fmt.Fprintf(a.out, "%s  %s\n", s.Address, s.Binding)
			}
			return nil
		},
	}

	cmd.AddCommand(set, enable, disable, status)
	return cmd
}

func joinAddresses[T fmt.Stringer](addrs []T) string {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, ", ")
}
