package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/vesselworks/flotilla/pkg/log"
	"github.com/vesselworks/flotilla/pkg/types"
)

// HTTPClient is the concrete marketplace client. Deadlines come from the
// caller's context; the underlying http.Client sets none of its own.
type HTTPClient struct {
	cfg  Config
	http *http.Client
}

func newHTTPClient(cfg Config) *HTTPClient {
	cfg.APIServer = NormalizeURL(cfg.APIServer)
	cfg.SchedulerURL = NormalizeURL(cfg.SchedulerURL)
	return &HTTPClient{
		cfg:  cfg,
		http: &http.Client{},
	}
}

// Available reports whether authenticated operations can succeed.
func (c *HTTPClient) Available() bool { return c.cfg.AccountKey != "" }

// ListNodes fetches the node directory. Accepts both the wrapped
// {"crns": [...]} shape and a bare array.
func (c *HTTPClient) ListNodes(ctx context.Context) ([]NodeInfo, error) {
	body, err := c.get(ctx, c.cfg.NodeListURL, nil)
	if err != nil {
		return nil, err
	}

	var wrapped struct {
		CRNs []NodeInfo `json:"crns"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.CRNs != nil {
		return wrapped.CRNs, nil
	}
	var bare []NodeInfo
	if err := json.Unmarshal(body, &bare); err == nil {
		return bare, nil
	}
	return nil, types.E(types.ErrTransport, nil, "node directory returned an unrecognized shape")
}

// message is the generic publish envelope for authenticated operations.
type message struct {
	Type    string      `json:"type"`
	Channel string      `json:"channel"`
	Content interface{} `json:"content"`
}

// CreateInstance publishes an instance message pinned to spec.NodeHash
// and returns the item hash the network assigned.
func (c *HTTPClient) CreateInstance(ctx context.Context, spec CreateSpec) (string, error) {
	content := map[string]interface{}{
		"metadata":        map[string]string{"name": spec.Name},
		"rootfs":          map[string]interface{}{"parent": spec.Rootfs, "size_mib": spec.RootfsSizeMB},
		"resources":       map[string]interface{}{"vcpus": spec.VCPUs, "memory": spec.MemoryMB},
		"authorized_keys": spec.SSHKeys,
		"requirements": map[string]interface{}{
			"node": map[string]string{"node_hash": spec.NodeHash},
		},
		"hypervisor": "qemu",
	}
	channel := spec.Channel
	if channel == "" {
		channel = c.cfg.Channel
	}

	body, err := c.post(ctx, c.cfg.APIServer+"/api/v0/messages",
		message{Type: "INSTANCE", Channel: channel, Content: content})
	if err != nil {
		return "", err
	}

	var resp struct {
		ItemHash string `json:"item_hash"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.ItemHash == "" {
		return "", types.E(types.ErrTransport, err, "instance creation returned no item hash")
	}
	return resp.ItemHash, nil
}

// ForgetInstance publishes a forget message for the instance.
func (c *HTTPClient) ForgetInstance(ctx context.Context, instanceHash, reason string) error {
	content := map[string]interface{}{
		"hashes": []string{instanceHash},
		"reason": reason,
	}
	_, err := c.post(ctx, c.cfg.APIServer+"/api/v0/messages",
		message{Type: "FORGET", Channel: c.cfg.Channel, Content: content})
	return err
}

// NotifyStart asks the hosting node to boot the instance. Anything but
// an exact 200 is a failure.
func (c *HTTPClient) NotifyStart(ctx context.Context, crnURL, instanceHash string) error {
	u := NormalizeURL(crnURL) + "/control/machine/" + url.PathEscape(instanceHash) + "/start"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return types.E(types.ErrTransport, err, "failed to build start request")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return types.E(types.ErrTransport, err, "start notification to %s failed", crnURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return types.E(types.ErrTransport, nil,
			"start notification to %s returned %d", crnURL, resp.StatusCode)
	}
	return nil
}

// ListExecutions queries a node's execution list, v2 path first.
func (c *HTTPClient) ListExecutions(ctx context.Context, crnURL string) (map[string]Execution, error) {
	base := NormalizeURL(crnURL)
	var lastErr error
	for _, path := range []string{"/v2/about/executions/list", "/about/executions/list"} {
		body, err := c.get(ctx, base+path, nil)
		if err != nil {
			lastErr = err
			continue
		}
		var executions map[string]Execution
		if err := json.Unmarshal(body, &executions); err != nil {
			lastErr = types.E(types.ErrTransport, err, "execution list from %s unparseable", crnURL)
			continue
		}
		return executions, nil
	}
	return nil, lastErr
}

// SchedulerAllocation asks the fallback scheduler for the instance's
// placement. An unknown instance yields (nil, nil).
func (c *HTTPClient) SchedulerAllocation(ctx context.Context, instanceHash string) (*types.Allocation, error) {
	body, err := c.get(ctx, c.cfg.SchedulerURL+"/api/v0/allocation",
		url.Values{"item_hash": {instanceHash}})
	if err != nil {
		return nil, err
	}

	var data struct {
		VMIPv4  string `json:"vm_ipv4"`
		IPv4    string `json:"ipv4"`
		IP      string `json:"ip"`
		SSHPort int    `json:"ssh_port"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, types.E(types.ErrTransport, err, "scheduler allocation unparseable")
	}

	ip := data.VMIPv4
	if ip == "" {
		ip = data.IPv4
	}
	if ip == "" {
		ip = data.IP
	}
	if ip == "" {
		return nil, nil
	}
	port := data.SSHPort
	if port == 0 {
		port = 22
	}
	return &types.Allocation{VMIP: ip, SSHPort: port}, nil
}

// MessageVisible checks whether the instance message has propagated.
func (c *HTTPClient) MessageVisible(ctx context.Context, instanceHash string) (bool, error) {
	body, err := c.get(ctx, c.cfg.APIServer+"/api/v0/messages.json",
		url.Values{"hashes": {instanceHash}})
	if err != nil {
		return false, err
	}

	var data struct {
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return false, types.E(types.ErrTransport, err, "message lookup unparseable")
	}
	return len(data.Messages) > 0, nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.cfg.AccountKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AccountKey)
	}
}

func (c *HTTPClient) get(ctx context.Context, rawURL string, query url.Values) ([]byte, error) {
	u := rawURL
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, types.E(types.ErrTransport, err, "failed to build request for %s", rawURL)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, types.E(types.ErrTransport, err, "GET %s failed", rawURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, types.E(types.ErrTransport, nil, "GET %s returned %d", rawURL, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.E(types.ErrTransport, err, "failed to read response from %s", rawURL)
	}
	return body, nil
}

func (c *HTTPClient) post(ctx context.Context, rawURL string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, types.E(types.ErrTransport, err, "failed to encode request for %s", rawURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(data))
	if err != nil {
		return nil, types.E(types.ErrTransport, err, "failed to build request for %s", rawURL)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, types.E(types.ErrTransport, err, "POST %s failed", rawURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		logger := log.WithComponent("marketplace")
		logger.Debug().
			Int("status", resp.StatusCode).
			Str("body", string(body)).
			Msg(fmt.Sprintf("POST %s rejected", rawURL))
		return nil, types.E(types.ErrTransport, nil, "POST %s returned %d", rawURL, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.E(types.ErrTransport, err, "failed to read response from %s", rawURL)
	}
	return body, nil
}
