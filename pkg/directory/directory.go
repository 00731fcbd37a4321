// Package directory turns the marketplace's raw node listing into a
// ranked set of deployment candidates: viability filtering, composite
// scoring, and blacklist exclusion.
package directory

import (
	"context"
	"sort"
	"time"

	"github.com/vesselworks/flotilla/pkg/blacklist"
	"github.com/vesselworks/flotilla/pkg/config"
	"github.com/vesselworks/flotilla/pkg/log"
	"github.com/vesselworks/flotilla/pkg/marketplace"
	"github.com/vesselworks/flotilla/pkg/metrics"
	"github.com/vesselworks/flotilla/pkg/types"
)

// NodeLister is the slice of the marketplace client the directory needs.
type NodeLister interface {
	ListNodes(ctx context.Context) ([]marketplace.NodeInfo, error)
}

// Directory ranks marketplace nodes for instance placement.
type Directory struct {
	client    NodeLister
	blacklist *blacklist.Blacklist
	cfg       config.SelectionConfig
}

// New creates a directory over the given lister and blacklist.
func New(client NodeLister, bl *blacklist.Blacklist, cfg config.SelectionConfig) *Directory {
	return &Directory{
		client:    client,
		blacklist: bl,
		cfg:       cfg,
	}
}

// Candidates returns viable, non-blacklisted nodes ranked best-first.
// Directory failures are not fatal to callers: they are logged and an
// empty list is returned, which callers surface as a capacity problem.
func (d *Directory) Candidates(ctx context.Context) []types.ResourceNode {
	logger := log.WithComponent("directory")

	fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	raw, err := d.client.ListNodes(fetchCtx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to fetch node directory")
		return nil
	}

	var nodes []types.ResourceNode
	for _, n := range raw {
		if !d.viable(n) {
			continue
		}
		nodes = append(nodes, d.score(n))
	}

	d.blacklist.Prune()
	filtered := nodes[:0]
	excluded := 0
	for _, n := range nodes {
		if d.blacklist.IsBlacklisted(n.URL) {
			excluded++
			continue
		}
		filtered = append(filtered, n)
	}
	nodes = filtered
	if excluded > 0 {
		logger.Info().Int("excluded", excluded).Msg("skipped blacklisted nodes")
	}

	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].Composite != nodes[j].Composite {
			return nodes[i].Composite > nodes[j].Composite
		}
		return nodes[i].Score > nodes[j].Score
	})

	metrics.CandidateNodes.Set(float64(len(nodes)))
	logger.Info().Int("candidates", len(nodes)).Msg("ranked node directory")
	return nodes
}

// viable applies the hard admission rules: virtualization support, both
// IPv6 probes passing, live telemetry, and a reputation floor.
func (d *Directory) viable(n marketplace.NodeInfo) bool {
	if !n.IPv6Check.Host || !n.IPv6Check.VM {
		return false
	}
	if !n.QemuSupport {
		return false
	}
	if n.SystemUsage == nil || !n.SystemUsage.Active {
		return false
	}
	return n.Score >= d.cfg.ReputationFloor
}

// score computes the weighted composite from reputation, absolute free
// memory, and CPU idleness. Absolute memory (not percentage) keeps large
// half-busy nodes ranked above small idle ones.
func (d *Directory) score(n marketplace.NodeInfo) types.ResourceNode {
	usage := n.SystemUsage

	cpuCount := usage.CPU.Count
	if cpuCount < 1 {
		cpuCount = 1
	}
	idle := 1.0 - min(usage.CPU.LoadAverage.Load5/float64(cpuCount), 1.0)

	memAvailGB := usage.Mem.AvailableKB / 1048576.0
	memScore := min(memAvailGB/d.cfg.MemoryNormGB, 1.0)

	reputation := min(max(n.Score, 0), 1.0)

	composite := d.cfg.WeightReputation*reputation +
		d.cfg.WeightMemory*memScore +
		d.cfg.WeightCPU*idle

	return types.ResourceNode{
		Hash:       n.Hash,
		Name:       n.Name,
		URL:        marketplace.NormalizeURL(n.Address),
		Score:      n.Score,
		Composite:  composite,
		MemAvailGB: memAvailGB,
	}
}
