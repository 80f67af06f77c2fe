package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"gpuswitch/config"
	"gpuswitch/logger"
	"gpuswitch/pci"
	"gpuswitch/prompt"
	"gpuswitch/virsh"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newCmd(os.Stdin, os.Stdout).ExecuteContext(ctx)
	logger.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newCmd(in io.Reader, out io.Writer) *cobra.Command {
	var (
		system    bool
		yes       bool
		companion string
		restore   string
	)
	cmd := &cobra.Command{
		Use:   "vm-gpu-attach <vm-name>",
		Short: "Attach the pass-through bound GPU to a VM definition",
		Long: `Attach the GPU that is currently bound to the pass-through driver, and its
audio function, to the persistent definition of a VM.

The VM is shut down first if it is running (after confirmation) and its
definition is backed up before any change. Use --restore with that backup to
roll back.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger.SetType(cfg.LogMode)
			logger.With("run_id", uuid.NewString())

			scope := virsh.ScopeSession
			if system {
				scope = virsh.ScopeSystem
			}
			hv, err := virsh.Connect(scope)
			if err != nil {
				return err
			}
			defer hv.Close()

			if restore != "" {
				r := &virsh.Restorer{Hypervisor: hv, BackupDir: cfg.BackupDir}
				prev, err := r.Restore(args[0], restore)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "vm definition restored from %s\n", restore)
				if prev != "" {
					fmt.Fprintf(out, "replaced definition backed up to %s\n", prev)
				}
				return nil
			}

			var confirmer prompt.Confirmer = &prompt.Terminal{In: in, Out: out}
			if yes {
				confirmer = prompt.Always(true)
			}
			attacher := &virsh.Attacher{
				Hypervisor:        hv,
				Confirmer:         confirmer,
				Preflight:         virsh.NewPreflight(cfg.RequiredGroups),
				Vendor:            cfg.Vendor,
				PassthroughDriver: cfg.PassthroughDriver,
				BackupDir:         cfg.BackupDir,
				ShutdownTimeout:   cfg.ShutdownTimeout,
			}
			attacher.UseDeviceSource(scope, hv, &pci.SysfsDetector{Root: cfg.SysfsRoot, PCIIDs: cfg.PCIIDsPath})

			rep, err := attacher.Attach(cmd.Context(), virsh.Request{VMName: args[0], Scope: scope, Companion: companion})
			printReport(out, rep)
			return err
		},
	}
	cmd.Flags().BoolVar(&system, "system", false, "use qemu:///system instead of qemu:///session (needs root)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "answer yes to every prompt")
	cmd.Flags().StringVar(&companion, "companion", "", "audio function to attach with the GPU, e.g. 03:00.1")
	cmd.Flags().StringVar(&restore, "restore", "", "define the VM again from this backup file and exit")
	return cmd
}

func printReport(out io.Writer, rep virsh.Report) {
	for _, w := range rep.Warnings {
		fmt.Fprintf(out, "warning: %s\n", w)
	}
	if rep.ShutDown {
		fmt.Fprintf(out, "vm %s was shut down\n", rep.VMName)
	}
	if rep.BackupPath != "" {
		fmt.Fprintf(out, "definition backup: %s\n", rep.BackupPath)
	}
	for _, d := range rep.Devices {
		line := fmt.Sprintf("%-5s %s  %s", d.Role, d.Device.Address, d.Status)
		if d.Err != nil {
			line += ": " + d.Err.Error()
		}
		fmt.Fprintln(out, line)
	}
	if rep.Partial() {
		fmt.Fprintln(out, "partial success: the gpu is attached, attach the audio function manually or restore the backup")
	}
}
