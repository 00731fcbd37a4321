package marketplace

import (
	"context"
	"strings"

	"github.com/vesselworks/flotilla/pkg/types"
)

// Client is the capability surface against the compute marketplace. The
// concrete implementation talks HTTP; construction returns a read-only
// variant when no account credential is configured, so callers check
// capability once instead of before every call.
type Client interface {
	// ListNodes fetches the raw node directory.
	ListNodes(ctx context.Context) ([]NodeInfo, error)

	// CreateInstance publishes an instance pinned to a node and returns
	// the instance hash.
	CreateInstance(ctx context.Context, spec CreateSpec) (string, error)

	// ForgetInstance publishes a forget for the instance, stopping
	// billing. Idempotent on the marketplace side.
	ForgetInstance(ctx context.Context, instanceHash, reason string) error

	// NotifyStart asks the hosting node to start the instance. Success
	// is an exact HTTP 200.
	NotifyStart(ctx context.Context, crnURL, instanceHash string) error

	// ListExecutions returns the executions a node reports, keyed by
	// instance hash. Tries the v2 path, then the legacy path.
	ListExecutions(ctx context.Context, crnURL string) (map[string]Execution, error)

	// SchedulerAllocation asks the network scheduler where an instance
	// landed. Returns nil when the scheduler does not know it.
	SchedulerAllocation(ctx context.Context, instanceHash string) (*types.Allocation, error)

	// MessageVisible reports whether the instance message has propagated
	// to the message API.
	MessageVisible(ctx context.Context, instanceHash string) (bool, error)

	// Available reports whether authenticated operations (create,
	// forget, start) can succeed.
	Available() bool
}

// NodeInfo is the wire shape of one directory entry. Only the fields
// selection reads are mapped.
type NodeInfo struct {
	Hash        string       `json:"hash"`
	Name        string       `json:"name"`
	Address     string       `json:"address"`
	Score       float64      `json:"score"`
	QemuSupport bool         `json:"qemu_support"`
	IPv6Check   IPv6Check    `json:"ipv6_check"`
	SystemUsage *SystemUsage `json:"system_usage"`
}

// IPv6Check reports the directory's connectivity probes for a node.
type IPv6Check struct {
	Host bool `json:"host"`
	VM   bool `json:"vm"`
}

// SystemUsage is the node's self-reported telemetry snapshot.
type SystemUsage struct {
	Active bool     `json:"active"`
	CPU    CPUUsage `json:"cpu"`
	Mem    MemUsage `json:"mem"`
}

// CPUUsage carries core count and load for the idle computation.
type CPUUsage struct {
	Count       int         `json:"count"`
	LoadAverage LoadAverage `json:"load_average"`
}

// LoadAverage holds the 5-minute load figure selection uses.
type LoadAverage struct {
	Load5 float64 `json:"load5"`
}

// MemUsage reports available memory in kB, as published by nodes.
type MemUsage struct {
	AvailableKB float64 `json:"available_kB"`
}

// Execution is one running VM in a node's execution list.
type Execution struct {
	Networking ExecutionNetworking `json:"networking"`
}

// ExecutionNetworking carries the public IPv4 and port mappings of an
// execution. SSH rides on the mapping for port "22" when present.
type ExecutionNetworking struct {
	HostIPv4    string                `json:"host_ipv4"`
	MappedPorts map[string]MappedPort `json:"mapped_ports"`
}

// MappedPort is a single host port mapping.
type MappedPort struct {
	Host int `json:"host"`
}

// CreateSpec is everything an instance creation needs.
type CreateSpec struct {
	Name         string
	NodeHash     string
	Rootfs       string
	RootfsSizeMB int
	VCPUs        int
	MemoryMB     int
	SSHKeys      []string
	Channel      string
}

// Config wires a client to the marketplace endpoints. AccountKey empty
// means read-only.
type Config struct {
	NodeListURL  string
	APIServer    string
	SchedulerURL string
	Channel      string
	AccountKey   string
}

// New constructs the marketplace client. With a credential the full
// client is returned; without one a read-only wrapper rejects the
// authenticated operations with a config error.
func New(cfg Config) Client {
	c := newHTTPClient(cfg)
	if cfg.AccountKey == "" {
		return &readOnly{HTTPClient: c}
	}
	return c
}

// NormalizeURL forces an https scheme and strips the trailing slash, the
// canonical form node endpoints are compared and blacklisted under.
func NormalizeURL(raw string) string {
	u := strings.TrimSpace(raw)
	if u == "" {
		return ""
	}
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = "https://" + u
	}
	return strings.TrimRight(u, "/")
}
