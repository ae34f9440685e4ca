package server

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ivoronin/dupecat/internal/grouper"
	"github.com/ivoronin/dupecat/internal/types"
)

type errorView struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type fileView struct {
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	ModTime     time.Time `json:"mtime"`
	Owner       string    `json:"owner,omitempty"`
	Mime        string    `json:"mime,omitempty"`
	State       string    `json:"state"`
	QuickHash   string    `json:"quick_hash,omitempty"`
	PrimaryHash string    `json:"primary_hash,omitempty"`
	CompatHash  string    `json:"compat_hash,omitempty"`
	ErrorCode   string    `json:"error_code,omitempty"`
	ErrorMsg    string    `json:"error_msg,omitempty"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

func newFileView(r *types.FileRecord) fileView {
	return fileView{
		Path:        r.Path,
		Size:        r.Size,
		ModTime:     r.ModTime,
		Owner:       r.Owner,
		Mime:        r.MimeHint,
		State:       string(r.State),
		QuickHash:   r.QuickHash,
		PrimaryHash: r.PrimaryHash,
		CompatHash:  r.CompatHash,
		ErrorCode:   string(r.ErrorCode),
		ErrorMsg:    r.ErrorMsg,
		LastSeenAt:  r.LastSeenAt,
	}
}

type groupView struct {
	Tier   string              `json:"tier"`
	Hash   string              `json:"hash"`
	Size   int64               `json:"size"`
	Wasted int64               `json:"wasted"`
	Paths  []string            `json:"paths"`
	Links  map[string][]string `json:"links,omitempty"`
}

func newGroupView(g grouper.Group) groupView {
	v := groupView{Tier: string(g.Tier), Hash: g.Hash, Size: g.Size, Wasted: g.Wasted(), Links: g.Links}
	for _, r := range g.Files.Items() {
		v.Paths = append(v.Paths, r.Path)
	}
	return v
}

type progressView struct {
	Phase          string           `json:"phase"`
	Paused         bool             `json:"paused"`
	ElapsedSeconds float64          `json:"elapsed_seconds"`
	Counters       map[string]int64 `json:"counters"`
}

// catalogCollector reports catalog state counts at scrape time.
type catalogCollector struct {
	q      Querier
	logger *zap.Logger
	states *prometheus.Desc
	errors *prometheus.Desc
}

func newCatalogCollector(q Querier, logger *zap.Logger) *catalogCollector {
	return &catalogCollector{
		q:      q,
		logger: logger,
		states: prometheus.NewDesc("dupecat_catalog_records", "Catalog records per state.", []string{"state"}, nil),
		errors: prometheus.NewDesc("dupecat_catalog_errors", "Errored records per code.", []string{"code"}, nil),
	}
}

func (c *catalogCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.states
	ch <- c.errors
}

func (c *catalogCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	states, err := c.q.QueryStateCounts(ctx)
	if err != nil {
		c.logger.Warn("collect state counts", zap.Error(err))
		return
	}
	for _, st := range types.States {
		ch <- prometheus.MustNewConstMetric(c.states, prometheus.GaugeValue, float64(states[st]), string(st))
	}

	codes, err := c.q.QueryErrorCounts(ctx)
	if err != nil {
		c.logger.Warn("collect error counts", zap.Error(err))
		return
	}
	for code, n := range codes {
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.GaugeValue, float64(n), string(code))
	}
}
