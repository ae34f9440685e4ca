// Package grouper aggregates catalog records into duplicate groups.
//
// Two tiers are available:
//
//	quick     (size, quick_hash) over quick_hashed, sha_pending and done records.
//	          Candidate duplicates: equal samples, contents not yet proven equal.
//	verified  (identity hash, size) over done records. Byte-exact duplicates.
//
// The identity hash is the primary hash when one is configured, otherwise the
// compatibility hash. Grouping is read-only and never blocks a running scan.
//
// Hard links are one file, not copies: members sharing (device, inode) are
// collapsed to the first of them by path, and a group left with a single
// member is dropped.
package grouper

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/ivoronin/dupecat/internal/catalog"
	"github.com/ivoronin/dupecat/internal/config"
	"github.com/ivoronin/dupecat/internal/types"
)

// Tier selects the grouping evidence.
type Tier string

const (
	TierQuick    Tier = "quick"
	TierVerified Tier = "verified"
)

// ParseTier parses a tier name.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierQuick, TierVerified:
		return Tier(s), nil
	}
	return "", fmt.Errorf("unknown tier %q (want quick or verified)", s)
}

// Group is a set of records sharing a grouping key.
type Group struct {
	Tier  Tier
	Hash  string
	Size  int64
	Files types.FileGroup
	Links map[string][]string // Member path → other paths hard-linked to it
}

// Count returns the number of members.
func (g Group) Count() int { return g.Files.Len() }

// TotalBytes returns the bytes held by all members.
func (g Group) TotalBytes() int64 { return g.Size * int64(g.Count()) }

// Wasted returns the bytes held by every member but one.
func (g Group) Wasted() int64 { return g.Size * int64(g.Count()-1) }

// Store is the read side of the catalog.
type Store interface {
	Groups(ctx context.Context, col catalog.HashColumn, minSize int64, limit int) ([]catalog.GroupKey, error)
	Members(ctx context.Context, col catalog.HashColumn, key catalog.GroupKey) ([]*types.FileRecord, error)
}

// Grouper answers duplicate-group queries.
type Grouper struct {
	store    Store
	identity catalog.HashColumn
	minSize  int64
	logger   *zap.Logger
}

// New creates a Grouper. identity is the column of the verified tier.
func New(store Store, identity catalog.HashColumn, minSize int64, logger *zap.Logger) *Grouper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Grouper{store: store, identity: identity, minSize: minSize, logger: logger.Named("grouper")}
}

// IdentityColumn returns the hash column that identifies verified duplicates.
func IdentityColumn(cfg *config.Config) catalog.HashColumn {
	if cfg.HasPrimary() {
		return catalog.ColPrimary
	}
	return catalog.ColCompat
}

// Query returns groups of the tier ordered by wasted bytes, largest first.
// limit <= 0 returns every group.
func (g *Grouper) Query(ctx context.Context, tier Tier, limit int) ([]Group, error) {
	col := catalog.ColQuick
	if tier == TierVerified {
		col = g.identity
	}

	keys, err := g.store.Groups(ctx, col, g.minSize, limit)
	if err != nil {
		return nil, err
	}

	groups := make([]Group, 0, len(keys))
	for _, key := range keys {
		members, err := g.store.Members(ctx, col, key)
		if err != nil {
			return nil, err
		}
		members, links := collapseLinks(members)
		// A concurrent scan may have moved members out since the key query
		if len(members) < 2 {
			continue
		}
		groups = append(groups, Group{Tier: tier, Hash: key.Hash, Size: key.Size,
			Files: types.NewFileGroup(members), Links: links})
	}
	g.logger.Debug("queried groups", zap.String("tier", string(tier)), zap.Int("groups", len(groups)))
	return groups, nil
}

// collapseLinks keeps the first record (by path) of each (device, inode).
// Records with an unknown inode are never merged.
func collapseLinks(members []*types.FileRecord) ([]*types.FileRecord, map[string][]string) {
	type inode struct{ dev, ino uint64 }
	seen := make(map[inode]*types.FileRecord, len(members))
	kept := members[:0:0]
	var links map[string][]string
	for _, r := range members {
		if r.Ino == 0 {
			kept = append(kept, r)
			continue
		}
		key := inode{r.Dev, r.Ino}
		if first, ok := seen[key]; ok {
			if links == nil {
				links = make(map[string][]string)
			}
			links[first.Path] = append(links[first.Path], r.Path)
			continue
		}
		seen[key] = r
		kept = append(kept, r)
	}
	return kept, links
}

// Totals summarizes a set of groups.
type Totals struct {
	Groups int
	Files  int
	Wasted int64
}

// Summarize adds up groups.
func Summarize(groups []Group) Totals {
	var t Totals
	for _, g := range groups {
		t.Groups++
		t.Files += g.Count()
		t.Wasted += g.Wasted()
	}
	return t
}

func (t Totals) String() string {
	return fmt.Sprintf("%d files in %d groups, %s reclaimable",
		t.Files, t.Groups, humanize.IBytes(uint64(t.Wasted)))
}
