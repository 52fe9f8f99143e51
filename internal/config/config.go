// Package config loads the testbed file: where logs and the ledger live, how
// to reach adb, and which devices a run operates on.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/rsclarke/droidrig/internal/device"
)

// AllDevices in the devices field selects every attached device.
const AllDevices = "*"

type Config struct {
	LogDir           string    `yaml:"log_dir"`
	DBPath           string    `yaml:"db"`
	ADBPath          string    `yaml:"adb_path"`
	FastbootPath     string    `yaml:"fastboot_path"`
	BootTimeout      string    `yaml:"boot_timeout"`
	BootPollInterval string    `yaml:"boot_poll_interval"`
	API              APIConfig `yaml:"api"`
	Devices          Devices   `yaml:"devices"`
}

type APIConfig struct {
	Listen string `yaml:"listen"`
	Token  string `yaml:"token"` //nolint:gosec // configuration field, not a hardcoded secret
}

type DeviceConfig struct {
	Serial      string            `yaml:"serial"`
	HostPort    int               `yaml:"host_port"`
	DevicePort  int               `yaml:"device_port"`
	LogcatParam string            `yaml:"logcat_param"`
	SkipAgent   bool              `yaml:"skip_agent"`
	Labels      map[string]string `yaml:"labels"`
}

// Devices is either "*" or a list whose entries are serials or objects.
type Devices struct {
	All  bool
	List []DeviceConfig
}

var deviceKeys = []string{"serial", "host_port", "device_port", "logcat_param", "skip_agent", "labels"}

func (d *Devices) UnmarshalYAML(node *yaml.Node) error {
	*d = Devices{}
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Value != AllDevices {
			return fmt.Errorf("line %d: devices must be %q or a list", node.Line, AllDevices)
		}
		d.All = true
		return nil
	case yaml.SequenceNode:
	default:
		return fmt.Errorf("line %d: devices must be %q or a list", node.Line, AllDevices)
	}

	for _, item := range node.Content {
		var dc DeviceConfig
		switch item.Kind {
		case yaml.ScalarNode:
			dc.Serial = item.Value
		case yaml.MappingNode:
			// node.Decode does not inherit KnownFields from the outer decoder.
			for i := 0; i < len(item.Content); i += 2 {
				key := item.Content[i]
				if !slices.Contains(deviceKeys, key.Value) {
					return fmt.Errorf("line %d: field %s not found in device", key.Line, key.Value)
				}
			}
			if err := item.Decode(&dc); err != nil {
				return err
			}
		default:
			return fmt.Errorf("line %d: device entry must be a serial or an object", item.Line)
		}
		if dc.Serial == "" {
			return fmt.Errorf("line %d: device entry has no serial", item.Line)
		}
		d.List = append(d.List, dc)
	}
	return nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogDir:           "logs",
		DBPath:           "droidrig.db",
		ADBPath:          "adb",
		FastbootPath:     "fastboot",
		BootTimeout:      device.DefaultBootTimeout.String(),
		BootPollInterval: device.DefaultBootPollInterval.String(),
		API:              APIConfig{Listen: "127.0.0.1:8081"},
		Devices:          Devices{All: true},
	}
}

// LoadDotEnv loads a .env file into the environment. A missing file is not
// an error; variables already set win.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Load reads the testbed file at path over Default and applies environment
// overrides. An empty path skips the file. ${VAR} references in the file are
// expanded before parsing; unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := decode([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() {
	for env, field := range map[string]*string{
		"DROIDRIG_LOG_DIR":  &c.LogDir,
		"DROIDRIG_DB":       &c.DBPath,
		"DROIDRIG_ADB":      &c.ADBPath,
		"DROIDRIG_FASTBOOT": &c.FastbootPath,
	} {
		if v := os.Getenv(env); v != "" {
			*field = v
		}
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.LogDir == "" {
		return errors.New("config: log_dir is required")
	}
	if _, err := parseDuration("boot_timeout", c.BootTimeout); err != nil {
		return err
	}
	if _, err := parseDuration("boot_poll_interval", c.BootPollInterval); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Devices.List))
	ports := make(map[int]string)
	for _, d := range c.Devices.List {
		if seen[d.Serial] {
			return fmt.Errorf("config: device %s listed twice", d.Serial)
		}
		seen[d.Serial] = true
		if d.HostPort < 0 || d.HostPort > 65535 || d.DevicePort < 0 || d.DevicePort > 65535 {
			return fmt.Errorf("config: device %s: port out of range", d.Serial)
		}
		if d.HostPort != 0 {
			if other, ok := ports[d.HostPort]; ok {
				return fmt.Errorf("config: devices %s and %s share host_port %d", other, d.Serial, d.HostPort)
			}
			ports[d.HostPort] = d.Serial
		}
	}
	return nil
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: %s must not be negative", field)
	}
	return d, nil
}

// Fleet converts the devices section to a fleet selection. Durations are
// assumed valid; Load has already checked them.
func (c *Config) Fleet() device.FleetConfig {
	timeout, _ := parseDuration("boot_timeout", c.BootTimeout)
	poll, _ := parseDuration("boot_poll_interval", c.BootPollInterval)

	base := device.Options{
		LogDir:           c.LogDir,
		BootTimeout:      timeout,
		BootPollInterval: poll,
	}

	fc := device.FleetConfig{All: c.Devices.All, Defaults: base}
	for _, d := range c.Devices.List {
		o := base
		o.Serial = d.Serial
		o.HostPort = d.HostPort
		o.DevicePort = d.DevicePort
		o.LogcatParams = strings.Fields(d.LogcatParam)
		o.SkipAgent = d.SkipAgent
		o.Labels = d.Labels
		fc.Devices = append(fc.Devices, o)
	}
	return fc
}
