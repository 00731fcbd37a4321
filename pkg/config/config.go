package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vesselworks/flotilla/pkg/types"
)

// Duration wraps time.Duration so YAML can carry values like "90s" or
// "24h". Bare integers are read as seconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration node: %w", err)
	}
	*d = Duration(time.Duration(n) * time.Second)
	return nil
}

// Config is the full orchestrator configuration, loadable from YAML.
// Zero values fall back to defaults so a partial file is enough.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Marketplace MarketplaceConfig `yaml:"marketplace"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Selection   SelectionConfig   `yaml:"selection"`
	Provision   ProvisionConfig   `yaml:"provision"`
	Allocation  AllocationConfig  `yaml:"allocation"`
	Deploy      DeployConfig      `yaml:"deploy"`
	Pool        PoolConfig        `yaml:"pool"`
	Admin       AdminConfig       `yaml:"admin"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MarketplaceConfig points at the compute marketplace APIs and carries
// the account credential. An empty AccountKey leaves the orchestrator in
// read-only mode: instance creation and destruction become unavailable.
type MarketplaceConfig struct {
	NodeListURL  string `yaml:"node_list_url"`
	APIServer    string `yaml:"api_server"`
	SchedulerURL string `yaml:"scheduler_url"`
	Channel      string `yaml:"channel"`
	AccountKey   string `yaml:"account_key"`
}

// GatewayConfig describes the TLS gateway that maps instance hashes to
// public subdomains.
type GatewayConfig struct {
	APIURL string `yaml:"api_url"`
	Domain string `yaml:"domain"`
}

// SelectionConfig tunes node filtering, scoring, and probing.
type SelectionConfig struct {
	ReputationFloor  float64  `yaml:"reputation_floor"`
	WeightReputation float64  `yaml:"weight_reputation"`
	WeightMemory     float64  `yaml:"weight_memory"`
	WeightCPU        float64  `yaml:"weight_cpu"`
	MemoryNormGB     float64  `yaml:"memory_norm_gb"`
	ProbeLimit       int      `yaml:"probe_limit"`
	ProbeTimeout     Duration `yaml:"probe_timeout"`
}

// ProvisionConfig tunes instance creation and startup.
type ProvisionConfig struct {
	RootfsImage    string   `yaml:"rootfs_image"`
	RootfsSizeMB   int      `yaml:"rootfs_size_mb"`
	VCPUs          int      `yaml:"vcpus"`
	MemoryMB       int      `yaml:"memory_mb"`
	SSHPubkey      string   `yaml:"ssh_pubkey"`
	VerifyAttempts int      `yaml:"verify_attempts"`
	VerifyDelay    Duration `yaml:"verify_delay"`
	StartAttempts  int      `yaml:"start_attempts"`
	StartTimeout   Duration `yaml:"start_timeout"`
	StartRetryGap  Duration `yaml:"start_retry_gap"`
	BlacklistTTL   Duration `yaml:"blacklist_ttl"`
}

// AllocationConfig tunes the polling loop that waits for a created
// instance to surface an IP and SSH port.
type AllocationConfig struct {
	Retries         int      `yaml:"retries"`
	Delay           Duration `yaml:"delay"`
	RenotifyEvery   int      `yaml:"renotify_every"`
	RenotifyTimeout Duration `yaml:"renotify_timeout"`
}

// DeployConfig tunes remote deployment over SSH.
type DeployConfig struct {
	SSHUser          string   `yaml:"ssh_user"`
	SSHKeyPath       string   `yaml:"ssh_key_path"`
	SSHWaitAttempts  int      `yaml:"ssh_wait_attempts"`
	SSHWaitDelay     Duration `yaml:"ssh_wait_delay"`
	SSHQuickAttempts int      `yaml:"ssh_quick_attempts"`
	SSHQuickDelay    Duration `yaml:"ssh_quick_delay"`
	CommandTimeout   Duration `yaml:"command_timeout"`
	ServiceName      string   `yaml:"service_name"`
	ListenPort       int      `yaml:"listen_port"`
	PipPackages      []string `yaml:"pip_packages"`
	HealthTimeout    Duration `yaml:"health_timeout"`
}

// PoolConfig tunes the warm pool loops and age limits.
type PoolConfig struct {
	Enabled            bool     `yaml:"enabled"`
	MinSize            int      `yaml:"min_size"`
	MaxSize            int      `yaml:"max_size"`
	ReplenishInterval  Duration `yaml:"replenish_interval"`
	CleanupInterval    Duration `yaml:"cleanup_interval"`
	MaxVMAge           Duration `yaml:"max_vm_age"`
	FailedMaxAge       Duration `yaml:"failed_max_age"`
	ProvisioningMaxAge Duration `yaml:"provisioning_max_age"`
	ClaimedMaxAge      Duration `yaml:"claimed_max_age"`
	DataDir            string   `yaml:"data_dir"`
}

// AdminConfig controls the local admin HTTP server.
type AdminConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the configuration with every knob at its shipped value.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Marketplace: MarketplaceConfig{
			NodeListURL:  "https://crns-list.aleph.sh/crns.json",
			APIServer:    "https://api2.aleph.im",
			SchedulerURL: "https://scheduler.api.aleph.cloud",
			Channel:      "FLOTILLA",
		},
		Gateway: GatewayConfig{
			APIURL: "https://api.2n6.me",
			Domain: "2n6.me",
		},
		Selection: SelectionConfig{
			ReputationFloor:  0.3,
			WeightReputation: 0.40,
			WeightMemory:     0.35,
			WeightCPU:        0.25,
			MemoryNormGB:     64,
			ProbeLimit:       5,
			ProbeTimeout:     Duration(10 * time.Second),
		},
		Provision: ProvisionConfig{
			RootfsImage:    "5330dcefe1857bcd97b7b7f24d1420a7d46232d53f27be280c8a7071d88bd84e",
			RootfsSizeMB:   20480,
			VCPUs:          1,
			MemoryMB:       2048,
			VerifyAttempts: 6,
			VerifyDelay:    Duration(5 * time.Second),
			StartAttempts:  3,
			StartTimeout:   Duration(90 * time.Second),
			StartRetryGap:  Duration(10 * time.Second),
			BlacklistTTL:   Duration(10 * time.Minute),
		},
		Allocation: AllocationConfig{
			Retries:         12,
			Delay:           Duration(10 * time.Second),
			RenotifyEvery:   4,
			RenotifyTimeout: Duration(30 * time.Second),
		},
		Deploy: DeployConfig{
			SSHUser:          "root",
			SSHKeyPath:       "~/.ssh/id_ed25519",
			SSHWaitAttempts:  30,
			SSHWaitDelay:     Duration(10 * time.Second),
			SSHQuickAttempts: 3,
			SSHQuickDelay:    Duration(5 * time.Second),
			CommandTimeout:   Duration(5 * time.Minute),
			ServiceName:      "flotilla-agent",
			ListenPort:       8080,
			PipPackages: []string{
				"fastapi", "uvicorn", "openai", "aiosqlite",
				"pydantic-settings", "httpx", "python-multipart",
			},
			HealthTimeout: Duration(10 * time.Second),
		},
		Pool: PoolConfig{
			Enabled:            true,
			MinSize:            5,
			MaxSize:            10,
			ReplenishInterval:  Duration(30 * time.Second),
			CleanupInterval:    Duration(5 * time.Minute),
			MaxVMAge:           Duration(24 * time.Hour),
			FailedMaxAge:       Duration(time.Hour),
			ProvisioningMaxAge: Duration(30 * time.Minute),
			ClaimedMaxAge:      Duration(10 * time.Minute),
			DataDir:            "/var/lib/flotilla",
		},
		Admin: AdminConfig{ListenAddr: "127.0.0.1:9090"},
	}
}

// Load reads a YAML config file and overlays it on the defaults. A
// missing file returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, types.E(types.ErrConfig, err, "failed to read config file %s", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, types.E(types.ErrConfig, err, "failed to parse config file %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.Selection.ProbeLimit < 1 {
		return types.E(types.ErrConfig, nil, "selection.probe_limit must be >= 1")
	}
	w := c.Selection.WeightReputation + c.Selection.WeightMemory + c.Selection.WeightCPU
	if w <= 0 {
		return types.E(types.ErrConfig, nil, "selection weights must sum to a positive value")
	}
	if c.Provision.StartAttempts < 1 {
		return types.E(types.ErrConfig, nil, "provision.start_attempts must be >= 1")
	}
	if c.Allocation.Retries < 1 {
		return types.E(types.ErrConfig, nil, "allocation.retries must be >= 1")
	}
	if c.Pool.MinSize < 0 || c.Pool.MaxSize < c.Pool.MinSize {
		return types.E(types.ErrConfig, nil,
			"pool sizes invalid: min=%d max=%d", c.Pool.MinSize, c.Pool.MaxSize)
	}
	if c.Pool.Enabled && c.Pool.DataDir == "" {
		return types.E(types.ErrConfig, nil, "pool.data_dir is required when the pool is enabled")
	}
	return nil
}

// String renders a redacted summary for startup logging.
func (c *Config) String() string {
	key := "unset"
	if c.Marketplace.AccountKey != "" {
		key = "set"
	}
	return fmt.Sprintf("marketplace=%s gateway=%s pool(min=%d,max=%d) account_key=%s",
		c.Marketplace.APIServer, c.Gateway.Domain, c.Pool.MinSize, c.Pool.MaxSize, key)
}
