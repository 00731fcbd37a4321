package provision

import (
	"context"
	"time"

	"github.com/vesselworks/flotilla/pkg/blacklist"
	"github.com/vesselworks/flotilla/pkg/config"
	"github.com/vesselworks/flotilla/pkg/directory"
	"github.com/vesselworks/flotilla/pkg/health"
	"github.com/vesselworks/flotilla/pkg/log"
	"github.com/vesselworks/flotilla/pkg/marketplace"
	"github.com/vesselworks/flotilla/pkg/metrics"
	"github.com/vesselworks/flotilla/pkg/types"
)

// Provisioner creates marketplace instances pinned to the best live node.
type Provisioner struct {
	client    marketplace.Client
	directory *directory.Directory
	blacklist *blacklist.Blacklist
	cfg       config.ProvisionConfig
	selection config.SelectionConfig
}

// NewProvisioner creates a provisioner over the given marketplace client
// and node directory.
func NewProvisioner(client marketplace.Client, dir *directory.Directory, bl *blacklist.Blacklist, cfg config.ProvisionConfig, selection config.SelectionConfig) *Provisioner {
	return &Provisioner{
		client:    client,
		directory: dir,
		blacklist: bl,
		cfg:       cfg,
		selection: selection,
	}
}

// CreateInstance provisions a new instance: rank nodes, probe the best
// ones, publish the instance message pinned to the chosen node, wait for
// it to propagate, then tell the node to start it.
//
// On start failure the returned error carries the instance hash so the
// caller can destroy or repair the half-provisioned instance instead of
// leaking it.
func (p *Provisioner) CreateInstance(ctx context.Context, name string) (*types.Instance, error) {
	logger := log.WithComponent("provision")
	begin := time.Now()

	candidates := p.directory.Candidates(ctx)
	if len(candidates) == 0 {
		metrics.ProvisionsTotal.WithLabelValues("failure").Inc()
		return nil, types.E(types.ErrCapacity, nil, "no viable compute nodes available")
	}

	node, err := p.probeCandidates(ctx, candidates)
	if err != nil {
		metrics.ProvisionsTotal.WithLabelValues("failure").Inc()
		return nil, err
	}

	spec := marketplace.CreateSpec{
		Name:         name,
		NodeHash:     node.Hash,
		Rootfs:       p.cfg.RootfsImage,
		RootfsSizeMB: p.cfg.RootfsSizeMB,
		VCPUs:        p.cfg.VCPUs,
		MemoryMB:     p.cfg.MemoryMB,
		SSHKeys:      []string{p.cfg.SSHPubkey},
	}

	instanceHash, err := p.client.CreateInstance(ctx, spec)
	if err != nil {
		p.blacklist.Add(node.URL, "instance creation failed")
		metrics.ProvisionsTotal.WithLabelValues("failure").Inc()
		return nil, types.E(types.ErrTransport, err, "failed to create instance on %s", node.Name)
	}

	logger.Info().
		Str("instance_hash", instanceHash).
		Str("crn_url", node.URL).
		Str("node", node.Name).
		Msg("instance message published")

	if err := p.waitForPropagation(ctx, instanceHash); err != nil {
		metrics.ProvisionsTotal.WithLabelValues("failure").Inc()
		return nil, types.E(types.ErrTimeout, err, "interrupted waiting for instance to propagate").WithInstance(instanceHash)
	}

	if err := p.startInstance(ctx, node.URL, instanceHash); err != nil {
		metrics.ProvisionsTotal.WithLabelValues("failure").Inc()
		if types.InstanceHashFrom(err) == "" {
			err = types.E(types.ErrTimeout, err, "instance start interrupted").WithStep("start").WithInstance(instanceHash)
		}
		return nil, err
	}

	metrics.ProvisionsTotal.WithLabelValues("success").Inc()
	metrics.ProvisionDuration.Observe(time.Since(begin).Seconds())

	logger.Info().
		Str("instance_hash", instanceHash).
		Str("crn_url", node.URL).
		Dur("took", time.Since(begin)).
		Msg("instance provisioned")

	return &types.Instance{InstanceHash: instanceHash, CRNURL: node.URL}, nil
}

// probeCandidates walks the ranked list and returns the first node that
// answers an HTTP probe. Unreachable nodes are blacklisted on the spot;
// nodes that answer with a server error are skipped but left eligible,
// since a 5xx from the API root usually means a transient overload rather
// than a dead node.
func (p *Provisioner) probeCandidates(ctx context.Context, candidates []types.ResourceNode) (*types.ResourceNode, error) {
	logger := log.WithComponent("provision")

	limit := p.selection.ProbeLimit
	if limit > len(candidates) {
		limit = len(candidates)
	}

	for i := 0; i < limit; i++ {
		node := candidates[i]

		checker := health.NewHTTPChecker(node.URL).
			WithStatusRange(200, 499).
			WithTimeout(p.selection.ProbeTimeout.Std())

		result := checker.Check(ctx)
		if result.Healthy {
			logger.Debug().Str("crn_url", node.URL).Dur("probe", result.Duration).Msg("node probe ok")
			return &node, nil
		}

		if result.StatusCode == 0 {
			p.blacklist.Add(node.URL, "probe failed: "+result.Message)
		} else {
			logger.Warn().Str("crn_url", node.URL).Str("result", result.Message).Msg("node answered probe with server error, skipping")
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, types.E(types.ErrCapacity, nil, "none of the %d probed nodes responded", limit)
}

// waitForPropagation polls until the instance message is visible on the
// API server. Propagation delay is normal, so exhausting the attempts is
// only a warning: the start notification below is the real test.
func (p *Provisioner) waitForPropagation(ctx context.Context, instanceHash string) error {
	logger := log.WithInstance(instanceHash)

	seen := false
	for attempt := 0; attempt < p.cfg.VerifyAttempts; attempt++ {
		if err := sleep(ctx, p.cfg.VerifyDelay.Std()); err != nil {
			return err
		}

		visible, err := p.client.MessageVisible(ctx, instanceHash)
		if err != nil {
			logger.Debug().Err(err).Int("attempt", attempt+1).Msg("visibility check failed")
			continue
		}
		if visible {
			seen = true
			break
		}
	}

	if !seen {
		logger.Warn().Msg("instance message not visible yet, proceeding anyway")
	}

	// Nodes lag the API server, so give the message one more delay to
	// reach the chosen node before asking it to start.
	return sleep(ctx, p.cfg.VerifyDelay.Std())
}

// startInstance tells the node to boot the instance, retrying with a gap
// between attempts. Exhausting the attempts blacklists the node.
func (p *Provisioner) startInstance(ctx context.Context, crnURL, instanceHash string) error {
	logger := log.WithInstance(instanceHash)

	var lastErr error
	for attempt := 0; attempt < p.cfg.StartAttempts; attempt++ {
		startCtx, cancel := context.WithTimeout(ctx, p.cfg.StartTimeout.Std())
		err := p.client.NotifyStart(startCtx, crnURL, instanceHash)
		cancel()

		if err == nil {
			logger.Info().Str("crn_url", crnURL).Int("attempt", attempt+1).Msg("node accepted instance start")
			return nil
		}

		lastErr = err
		logger.Warn().Err(err).Str("crn_url", crnURL).Int("attempt", attempt+1).Msg("start notification failed")

		if attempt < p.cfg.StartAttempts-1 {
			if err := sleep(ctx, p.cfg.StartRetryGap.Std()); err != nil {
				return err
			}
		}
	}

	p.blacklist.Add(crnURL, "start notifications exhausted")
	return types.E(types.ErrTimeout, lastErr, "instance created but node never accepted the start").
		WithStep("start").
		WithInstance(instanceHash)
}

// StartOnAnyCandidate asks up to limit ranked nodes to start an existing
// instance, returning the URL of the first node that accepts. Used to
// re-home an instance whose original node went dark.
func (p *Provisioner) StartOnAnyCandidate(ctx context.Context, instanceHash string, limit int, timeout time.Duration) (string, error) {
	logger := log.WithInstance(instanceHash)

	candidates := p.directory.Candidates(ctx)
	if len(candidates) == 0 {
		return "", types.E(types.ErrCapacity, nil, "no viable compute nodes available")
	}
	if limit > len(candidates) {
		limit = len(candidates)
	}

	var lastErr error
	for i := 0; i < limit; i++ {
		node := candidates[i]

		startCtx, cancel := context.WithTimeout(ctx, timeout)
		err := p.client.NotifyStart(startCtx, node.URL, instanceHash)
		cancel()

		if err == nil {
			logger.Info().Str("crn_url", node.URL).Msg("instance restarted on new node")
			return node.URL, nil
		}

		lastErr = err
		logger.Warn().Err(err).Str("crn_url", node.URL).Msg("restart attempt failed")

		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}

	return "", types.E(types.ErrTimeout, lastErr, "no node accepted the restart").WithInstance(instanceHash)
}

// sleep waits for d unless ctx is canceled first.
func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
