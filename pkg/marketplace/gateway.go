package marketplace

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/vesselworks/flotilla/pkg/types"
)

// Gateway looks up the public subdomain the TLS gateway assigned to an
// instance hash. Separate from Client because it is a different external
// service with its own availability.
type Gateway struct {
	apiURL string
	domain string
	http   *http.Client
}

// NewGateway builds a gateway client for the given API base URL and
// serving domain.
func NewGateway(apiURL, domain string) *Gateway {
	return &Gateway{
		apiURL: NormalizeURL(apiURL),
		domain: domain,
		http:   &http.Client{},
	}
}

// Domain returns the gateway's serving domain.
func (g *Gateway) Domain() string { return g.domain }

// ResolveSubdomain returns the bare subdomain registered for the hash.
func (g *Gateway) ResolveSubdomain(ctx context.Context, instanceHash string) (string, error) {
	u := g.apiURL + "/api/hash/" + url.PathEscape(instanceHash)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", types.E(types.ErrTransport, err, "failed to build gateway request")
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return "", types.E(types.ErrTransport, err, "gateway lookup failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", types.E(types.ErrTransport, nil, "gateway lookup returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", types.E(types.ErrTransport, err, "failed to read gateway response")
	}
	var data struct {
		Subdomain string `json:"subdomain"`
	}
	if err := json.Unmarshal(body, &data); err != nil || data.Subdomain == "" {
		return "", types.E(types.ErrTransport, err, "gateway returned no subdomain for %s", instanceHash)
	}
	return data.Subdomain, nil
}

// FQDN returns the full public name for a subdomain on this gateway.
func (g *Gateway) FQDN(subdomain string) string {
	return subdomain + "." + g.domain
}
