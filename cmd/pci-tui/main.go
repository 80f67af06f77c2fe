package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gpuswitch/binding"
	"gpuswitch/config"
	"gpuswitch/host"
	"gpuswitch/logger"
	"gpuswitch/pci"
	"gpuswitch/prompt"
	"gpuswitch/virsh"
)

type appState struct {
	cfg             config.Config
	reader          *bufio.Reader
	sysfs           *pci.SysfsDetector
	lastHostDevices []pci.HostDevice
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("error loading config: %v\n", err)
		os.Exit(1)
	}
	logger.SetType(cfg.LogMode)
	defer logger.Sync()

	state := &appState{
		cfg:    cfg,
		reader: bufio.NewReader(os.Stdin),
		sysfs:  &pci.SysfsDetector{Root: cfg.SysfsRoot, PCIIDs: cfg.PCIIDsPath},
	}
	ctx := context.Background()

	for {
		clearScreen()
		printMenu()

		choice, err := readLine(state.reader, "Choose an option: ")
		if err != nil {
			fmt.Printf("error reading input: %v\n", err)
			return
		}

		switch strings.TrimSpace(strings.ToLower(choice)) {
		case "1":
			showStatus(state)
		case "2":
			listHostGPUs(state)
		case "3":
			listDeviceList(state)
		case "4":
			setDeviceList(state)
		case "5":
			autoToggle(ctx, state)
		case "6":
			attachToVM(ctx, state)
		case "7":
			restoreVM(state)
		case "8":
			parseAddress(state)
		case "q", "quit", "exit", "9":
			fmt.Println("Exiting.")
			return
		default:
			fmt.Println("Invalid option.")
		}
		waitEnter(state.reader)
	}
}

func printMenu() {
	fmt.Println("=== GPU pass-through TUI ===")
	fmt.Println("Note: changing bindings needs root; --system attach needs libvirt privileges.")
	fmt.Println()
	fmt.Println("1) Show pending vs live state")
	fmt.Println("2) List host GPUs and audio functions")
	fmt.Println("3) Show device list")
	fmt.Println("4) Set device list")
	fmt.Println("5) Auto-toggle pass-through")
	fmt.Println("6) Attach pass-through GPU to VM")
	fmt.Println("7) Restore VM definition from backup")
	fmt.Println("8) Normalize/validate PCI address")
	fmt.Println("9) Exit")
	fmt.Println()
}

func (s *appState) orchestrator() *binding.Orchestrator {
	settings := binding.SettingsFromConfig(s.cfg)
	runner := host.ExecRunner{MaybeSudo: true}
	refresher := &host.CommandRefresher{Command: s.cfg.BootRefreshCommand, Runner: runner}
	rebooter := host.SystemdRebooter{Runner: runner}
	confirmer := &prompt.Terminal{In: s.reader, Out: os.Stdout}
	return &binding.Orchestrator{
		Global: &binding.GlobalController{Settings: settings, Refresher: refresher, Rebooter: rebooter, Confirmer: confirmer},
		List: &binding.ListController{
			Settings:  settings,
			Detector:  s.sysfs,
			Refresher: refresher,
			Rebooter:  rebooter,
			Confirmer: confirmer,
		},
		Lister: s.sysfs,
	}
}

func showStatus(state *appState) {
	rep, err := state.orchestrator().Report()
	if err != nil {
		fmt.Printf("error reading state: %v\n", err)
		return
	}
	fmt.Printf("\nGlobal scope: %s\n", rep.Desired.GlobalStatus)
	fmt.Printf("Pending scope: %s (pass-through: %v)\n", rep.Desired.Scope, rep.Desired.PassThrough)
	fmt.Printf("%-14s %-24s %-8s\n", "BDF", "Live binding", "Reboot")
	for _, d := range rep.Devices {
		fmt.Printf("%-14s %-24s %-8v\n", d.Address, d.Actual, d.RebootRequired)
	}
}

func listHostGPUs(state *appState) {
	devs, err := state.sysfs.ListPCIDevices()
	if err != nil {
		fmt.Printf("error listing host PCI devices: %v\n", err)
		return
	}
	shown := append(pci.DisplayDevices(devs, state.cfg.Vendor), pci.AudioDevices(devs, state.cfg.Vendor)...)
	state.lastHostDevices = shown
	printHostDevices(shown, state.cfg.PassthroughDriver)
}

func listDeviceList(state *appState) {
	st, err := state.orchestrator().List.Status()
	if err != nil {
		fmt.Printf("error reading device list: %v\n", err)
		return
	}
	if len(st) == 0 {
		fmt.Printf("Device list %s is empty.\n", state.cfg.DeviceListPath)
		return
	}
	for i, s := range st {
		fmt.Printf("%-4d %-14s %s\n", i+1, s.Address, s.Binding)
	}
}

func setDeviceList(state *appState) {
	primary, err := askPCIRef(state.reader, state.lastHostDevices, "GPU")
	if err != nil {
		fmt.Printf("PCI address error: %v\n", err)
		return
	}
	companion, err := readLine(state.reader, "Companion (BDF, # or empty): ")
	if err != nil {
		fmt.Printf("error reading companion: %v\n", err)
		return
	}
	if idx, convErr := strconv.Atoi(companion); convErr == nil && idx >= 1 && idx <= len(state.lastHostDevices) {
		companion = state.lastHostDevices[idx-1].Address.String()
	}

	if err := state.orchestrator().List.Set(primary, companion); err != nil {
		fmt.Printf("error writing device list: %v\n", err)
		return
	}
	fmt.Printf("ok: device list %s updated\n", state.cfg.DeviceListPath)
}

func autoToggle(ctx context.Context, state *appState) {
	out, err := state.orchestrator().Auto(ctx)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Printf("ok: %s scope %s (%s)\n", out.Scope, out.Action, out.Result)
}

func attachToVM(ctx context.Context, state *appState) {
	vm, err := readLine(state.reader, "VM name: ")
	if err != nil {
		fmt.Printf("error reading VM name: %v\n", err)
		return
	}
	sys, err := readLine(state.reader, "Use qemu:///system? [y/N]: ")
	if err != nil {
		fmt.Printf("error reading scope: %v\n", err)
		return
	}
	scope := virsh.ScopeSession
	if strings.EqualFold(sys, "y") || strings.EqualFold(sys, "yes") {
		scope = virsh.ScopeSystem
	}

	hv, err := virsh.Connect(scope)
	if err != nil {
		fmt.Printf("error connecting: %v\n", err)
		return
	}
	defer hv.Close()

	attacher := &virsh.Attacher{
		Hypervisor:        hv,
		Confirmer:         &prompt.Terminal{In: state.reader, Out: os.Stdout},
		Preflight:         virsh.NewPreflight(state.cfg.RequiredGroups),
		Vendor:            state.cfg.Vendor,
		PassthroughDriver: state.cfg.PassthroughDriver,
		BackupDir:         state.cfg.BackupDir,
		ShutdownTimeout:   state.cfg.ShutdownTimeout,
	}
	attacher.UseDeviceSource(scope, hv, state.sysfs)
	rep, err := attacher.Attach(ctx, virsh.Request{VMName: vm, Scope: scope})
	for _, d := range rep.Devices {
		fmt.Printf("%-5s %s %s\n", d.Role, d.Device.Address, d.Status)
	}
	if err != nil {
		fmt.Printf("error attaching to VM %s: %v\n", vm, err)
		return
	}
	fmt.Printf("ok: VM %s updated, backup %s\n", vm, emptyToDash(rep.BackupPath))
}

func restoreVM(state *appState) {
	vm, err := readLine(state.reader, "VM name: ")
	if err != nil {
		fmt.Printf("error reading VM name: %v\n", err)
		return
	}
	path, err := readLine(state.reader, "Backup file: ")
	if err != nil {
		fmt.Printf("error reading path: %v\n", err)
		return
	}
	sys, err := readLine(state.reader, "Use qemu:///system? [y/N]: ")
	if err != nil {
		fmt.Printf("error reading scope: %v\n", err)
		return
	}
	scope := virsh.ScopeSession
	if strings.EqualFold(sys, "y") || strings.EqualFold(sys, "yes") {
		scope = virsh.ScopeSystem
	}

	hv, err := virsh.Connect(scope)
	if err != nil {
		fmt.Printf("error connecting: %v\n", err)
		return
	}
	defer hv.Close()

	r := &virsh.Restorer{Hypervisor: hv, BackupDir: state.cfg.BackupDir}
	prev, err := r.Restore(vm, path)
	if err != nil {
		fmt.Printf("error restoring: %v\n", err)
		return
	}
	fmt.Printf("ok: VM %s restored from %s, replaced definition backed up to %s\n", vm, path, emptyToDash(prev))
}

func parseAddress(state *appState) {
	raw, err := readLine(state.reader, "PCI address (e.g. 0000:65:00.0, 65:00.0): ")
	if err != nil {
		fmt.Printf("error reading PCI address: %v\n", err)
		return
	}

	norm, err := pci.Normalize(raw)
	if err != nil {
		fmt.Printf("invalid: %v\n", err)
		return
	}
	fmt.Printf("normalized: %s\n", norm)
}

func printHostDevices(devs []pci.HostDevice, passthroughDriver string) {
	if len(devs) == 0 {
		fmt.Println("No matching PCI devices.")
		return
	}

	fmt.Printf("\n%-4s %-14s %-6s %-24s %-16s %-24s\n", "#", "BDF", "Kind", "Binding", "VendorID:ProdID", "Vendor/Product")
	for i, d := range devs {
		ids := fmt.Sprintf("%s:%s", emptyToDash(d.VendorID), emptyToDash(d.ProductID))
		label := strings.TrimSpace(strings.TrimSpace(d.Vendor) + " " + strings.TrimSpace(d.Product))
		kind := "gpu"
		if d.IsAudio {
			kind = "audio"
		}
		fmt.Printf(
			"%-4d %-14s %-6s %-24s %-16s %-24s\n",
			i+1,
			d.Address,
			kind,
			pci.Classify(d.Driver, passthroughDriver),
			ids,
			emptyToDash(label),
		)
	}
	fmt.Println()
	fmt.Println("Tip: when setting the device list you can use the # index from this table.")
}

func askPCIRef(reader *bufio.Reader, last []pci.HostDevice, what string) (string, error) {
	question := what + " (BDF or # from last list): "
	if len(last) == 0 {
		question = what + " (e.g. 03:00.0): "
	}
	raw, err := readLine(reader, question)
	if err != nil {
		return "", err
	}
	if raw == "" {
		return "", fmt.Errorf("empty PCI address")
	}

	if idx, convErr := strconv.Atoi(raw); convErr == nil {
		if len(last) == 0 {
			return "", fmt.Errorf("no previous listing in memory to use index")
		}
		if idx < 1 || idx > len(last) {
			return "", fmt.Errorf("index out of range (1..%d)", len(last))
		}
		return last[idx-1].Address.String(), nil
	}
	return pci.Normalize(raw)
}

func readLine(reader *bufio.Reader, question string) (string, error) {
	fmt.Print(question)
	text, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func waitEnter(reader *bufio.Reader) {
	fmt.Print("\nPress ENTER to continue...")
	_, _ = reader.ReadString('\n')
}

func clearScreen() {
	fmt.Print("\033[H\033[2J")
}

func emptyToDash(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "-"
	}
	return s
}
