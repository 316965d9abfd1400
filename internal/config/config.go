// Package config loads the on-disk YAML configuration for a node: station
// identity, protocol timing knobs, routing constants, and the device list.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tarpn-go/tarpnd/internal/callsign"
)

// Config is every tunable a node recognizes. Populated by Load, which
// overlays a rawConfig (whose durations are plain integer seconds) onto
// Default().
type Config struct {
	NodeCall       string
	NodeAlias      string
	NodesInterval  time.Duration
	DefaultObs     int
	DefaultQuality int
	MinQuality     int
	MinObs         int
	T1             time.Duration
	T3             time.Duration
	N2             int
	WindowSize     int
	QueueDepth     int

	NodesPath   string
	HeardLogDir string
	MonitorAddr string
	Devices     []DeviceConfig
}

// DeviceConfig identifies one physical device this node bridges to: a
// port number plus the address of the KISS TNC that backs it. Just enough
// to tell the entry point which ports to bring up.
type DeviceConfig struct {
	Port int    `yaml:"port"`
	Addr string `yaml:"addr"`
	Call string `yaml:"call"`
}

// Default returns the stock node configuration.
func Default() Config {
	return Config{
		NodesInterval:  10 * time.Minute,
		DefaultObs:     100,
		DefaultQuality: 255,
		MinQuality:     50,
		MinObs:         4,
		T1:             4 * time.Second,
		T3:             300 * time.Second,
		N2:             10,
		WindowSize:     4,
		QueueDepth:     20,
		NodesPath:      "nodes.json",
	}
}

// rawConfig lets the YAML file spell nodes_interval/t1/t3 as plain integer
// seconds while Config keeps them as time.Duration for direct use by the
// timer service. Pointers distinguish
// "absent from the file" from "explicitly zero" so Default()'s values
// aren't clobbered by an unset field.
type rawConfig struct {
	NodeCall       string         `yaml:"node_call"`
	NodeAlias      string         `yaml:"node_alias"`
	NodesInterval  *int           `yaml:"nodes_interval"`
	DefaultObs     *int           `yaml:"default_obs"`
	DefaultQuality *int           `yaml:"default_quality"`
	MinQuality     *int           `yaml:"min_quality"`
	MinObs         *int           `yaml:"min_obs"`
	T1             *int           `yaml:"t1"`
	T3             *int           `yaml:"t3"`
	N2             *int           `yaml:"n2"`
	WindowSize     *int           `yaml:"window_size"`
	QueueDepth     *int           `yaml:"queue_depth"`
	NodesPath      string         `yaml:"nodes_path"`
	HeardLogDir    string         `yaml:"heard_log_dir"`
	MonitorAddr    string         `yaml:"monitor_addr"`
	Devices        []DeviceConfig `yaml:"devices"`
}

// Load reads and parses a YAML config file at path, overlaying it onto
// Default() so a file may specify only the fields it wants to change.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if raw.NodeCall != "" {
		cfg.NodeCall = raw.NodeCall
	}
	if raw.NodeAlias != "" {
		cfg.NodeAlias = raw.NodeAlias
	}
	if raw.NodesPath != "" {
		cfg.NodesPath = raw.NodesPath
	}
	cfg.HeardLogDir = raw.HeardLogDir
	cfg.MonitorAddr = raw.MonitorAddr
	cfg.Devices = raw.Devices

	overlaySeconds(&cfg.NodesInterval, raw.NodesInterval)
	overlaySeconds(&cfg.T1, raw.T1)
	overlaySeconds(&cfg.T3, raw.T3)
	overlayInt(&cfg.DefaultObs, raw.DefaultObs)
	overlayInt(&cfg.DefaultQuality, raw.DefaultQuality)
	overlayInt(&cfg.MinQuality, raw.MinQuality)
	overlayInt(&cfg.MinObs, raw.MinObs)
	overlayInt(&cfg.N2, raw.N2)
	overlayInt(&cfg.WindowSize, raw.WindowSize)
	overlayInt(&cfg.QueueDepth, raw.QueueDepth)

	if cfg.NodeCall == "" {
		return Config{}, fmt.Errorf("config: node_call is required")
	}
	return cfg, nil
}

func overlaySeconds(dst *time.Duration, src *int) {
	if src != nil {
		*dst = time.Duration(*src) * time.Second
	}
}

func overlayInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

// ParseNodeCall parses the configured station callsign.
func (c Config) ParseNodeCall() (callsign.Call, error) {
	return callsign.Parse(c.NodeCall)
}
