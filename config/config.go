package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath = "/etc/gpuswitch/config.yaml"
	envPrefix         = "GPUSWITCH_"
)

var vendorPattern = regexp.MustCompile(`(?i)^[0-9a-f]{4}$`)

type Config struct {
	Vendor             string        `yaml:"vendor"`
	NativeDrivers      []string      `yaml:"native_drivers"`
	PassthroughDriver  string        `yaml:"passthrough_driver"`
	GlobalConfigPath   string        `yaml:"global_config_path"`
	DeviceListPath     string        `yaml:"device_list_path"`
	BootRefreshCommand []string      `yaml:"boot_refresh_command"`
	SysfsRoot          string        `yaml:"sysfs_root"`
	PCIIDsPath         string        `yaml:"pci_ids_path"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
	RequiredGroups     []string      `yaml:"required_groups"`
	LogMode            string        `yaml:"log_mode"`
	SetupCommand       string        `yaml:"setup_command"`
	BackupDir          string        `yaml:"backup_dir"`
}

func Default() Config {
	return Config{
		Vendor:            "10de",
		NativeDrivers:     []string{"nouveau", "nvidia"},
		PassthroughDriver: "vfio-pci",
		GlobalConfigPath:  "/etc/modprobe.d/vfio.conf",
		DeviceListPath:    "/etc/vfio-pci-devices.conf",
		SysfsRoot:         "/",
		ShutdownTimeout:   120 * time.Second,
		RequiredGroups:    []string{"kvm", "libvirt"},
		LogMode:           "prod",
		SetupCommand:      "gpuswitch-setup",
		BackupDir:         ".",
	}
}

// Load builds the configuration from defaults, the YAML file named by
// GPUSWITCH_CONFIG (or DefaultConfigPath), a local .env file and the process
// environment, in that order.
func Load() (Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	path := os.Getenv(envPrefix + "CONFIG")
	if path == "" {
		path = DefaultConfigPath
	}
	return LoadFile(path)
}

// LoadFile is Load without the .env step. A missing file is not an error.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(envPrefix + key)); v != "" {
			*dst = v
		}
	}
	setList := func(key string, dst *[]string) {
		if v := strings.TrimSpace(os.Getenv(envPrefix + key)); v != "" {
			*dst = splitList(v)
		}
	}

	setString("VENDOR", &c.Vendor)
	setString("PASSTHROUGH_DRIVER", &c.PassthroughDriver)
	setString("GLOBAL_CONFIG_PATH", &c.GlobalConfigPath)
	setString("DEVICE_LIST_PATH", &c.DeviceListPath)
	setString("SYSFS_ROOT", &c.SysfsRoot)
	setString("PCI_IDS_PATH", &c.PCIIDsPath)
	setString("LOG_MODE", &c.LogMode)
	setString("SETUP_COMMAND", &c.SetupCommand)
	setString("BACKUP_DIR", &c.BackupDir)
	setList("NATIVE_DRIVERS", &c.NativeDrivers)
	setList("REQUIRED_GROUPS", &c.RequiredGroups)

	if v := strings.TrimSpace(os.Getenv(envPrefix + "BOOT_REFRESH_COMMAND")); v != "" {
		c.BootRefreshCommand = strings.Fields(v)
	}
	if v := strings.TrimSpace(os.Getenv(envPrefix + "SHUTDOWN_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %sSHUTDOWN_TIMEOUT %q: %w", envPrefix, v, err)
		}
		c.ShutdownTimeout = d
	}
	return nil
}

func (c Config) Validate() error {
	if !vendorPattern.MatchString(c.Vendor) {
		return fmt.Errorf("vendor must be a 4 digit hex PCI vendor id, got %q", c.Vendor)
	}
	if strings.TrimSpace(c.PassthroughDriver) == "" {
		return fmt.Errorf("passthrough_driver is empty")
	}
	if strings.TrimSpace(c.GlobalConfigPath) == "" {
		return fmt.Errorf("global_config_path is empty")
	}
	if strings.TrimSpace(c.DeviceListPath) == "" {
		return fmt.Errorf("device_list_path is empty")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be > 0")
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
