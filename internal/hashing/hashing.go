// Package hashing provides the {QuickHasher, FullHasher} capability set.
//
// Each capability has a baseline implementation from the standard library
// (fnv64a, sha256) and a preferred one (xxh64, blake3). Selection happens once
// in NewSet; the stages only ever see the Set.
//
// Hash values are rendered as "<algorithm>:<hex>" so values produced by
// different algorithms never compare equal in the catalog. Quick hashes also
// carry their sample size ("xxh64/65536:<hex>"): a sample hash is only
// comparable with one taken over the same ranges.
package hashing

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/fnv"
	"io"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/blake3"

	"github.com/ivoronin/dupecat/internal/config"
)

// Hasher is one named hash algorithm.
type Hasher interface {
	Name() string
	New() hash.Hash
}

type algorithm struct {
	name  string
	newFn func() hash.Hash
}

func (a *algorithm) Name() string   { return a.name }
func (a *algorithm) New() hash.Hash { return a.newFn() }

// Known algorithms.
var (
	XXH64  Hasher = &algorithm{config.HashXXH64, func() hash.Hash { return xxhash.New() }}
	FNV64a Hasher = &algorithm{config.HashFNV64a, func() hash.Hash { return fnv.New64a() }}
	BLAKE3 Hasher = &algorithm{config.HashBLAKE3, func() hash.Hash { return blake3.New() }}
	SHA256 Hasher = &algorithm{config.HashSHA256, sha256.New}
)

// quickPreference lists quick hashers, preferred first.
var quickPreference = []Hasher{XXH64, FNV64a}

var byName = map[string]Hasher{
	config.HashXXH64:  XXH64,
	config.HashFNV64a: FNV64a,
	config.HashBLAKE3: BLAKE3,
	config.HashSHA256: SHA256,
}

// Set is the hashing capability set selected for a run.
type Set struct {
	Quick   Hasher // Sample hash, always present
	Primary Hasher // Identity hash, nil when disabled
	Compat  Hasher // Compatibility hash, nil when disabled
}

// NewSet resolves algorithm names from configuration.
func NewSet(quick, primary, compat string) (*Set, error) {
	s := &Set{}
	switch quick {
	case config.HashAuto, "":
		s.Quick = quickPreference[0]
	default:
		h, ok := byName[quick]
		if !ok || (h != XXH64 && h != FNV64a) {
			return nil, fmt.Errorf("unknown quick hash %q", quick)
		}
		s.Quick = h
	}

	var err error
	if s.Primary, err = lookupFull(primary); err != nil {
		return nil, err
	}
	if s.Compat, err = lookupFull(compat); err != nil {
		return nil, err
	}
	if s.Primary == nil && s.Compat == nil {
		return nil, fmt.Errorf("no full hash configured")
	}
	return s, nil
}

// FromConfig builds the Set named by cfg.
func FromConfig(cfg *config.Config) (*Set, error) {
	return NewSet(cfg.QuickHash, cfg.PrimaryHash, cfg.CompatibilityHash)
}

func lookupFull(name string) (Hasher, error) {
	if name == "" || name == config.HashNone {
		return nil, nil
	}
	h, ok := byName[name]
	if !ok || (h != BLAKE3 && h != SHA256) {
		return nil, fmt.Errorf("unknown full hash %q", name)
	}
	return h, nil
}

// FullPrefixes returns the "<algorithm>:" prefixes of the configured full
// hashes, "" for a disabled one.
func (s *Set) FullPrefixes() (primary, compat string) {
	if s.Primary != nil {
		primary = s.Primary.Name() + ":"
	}
	if s.Compat != nil {
		compat = s.Compat.Name() + ":"
	}
	return primary, compat
}

// Format renders a digest with its algorithm prefix.
func Format(h Hasher, sum []byte) string {
	return h.Name() + ":" + hex.EncodeToString(sum)
}

// QuickPrefix returns the prefix of every quick hash taken with sample bytes
// of head+tail, including the trailing colon.
func (s *Set) QuickPrefix(sample int64) string {
	return s.Quick.Name() + "/" + strconv.FormatInt(sample, 10) + ":"
}

// QuickDigest accumulates a quick hash. The size is mixed in first so that
// samples of files with different sizes never collide.
type QuickDigest struct {
	h      hash.Hash
	prefix string
}

// NewQuick starts a quick digest for a file of the given size, sampled with
// sample bytes of head+tail.
func (s *Set) NewQuick(size, sample int64) *QuickDigest {
	h := s.Quick.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(size))
	_, _ = h.Write(buf[:])
	return &QuickDigest{h: h, prefix: s.QuickPrefix(sample)}
}

func (d *QuickDigest) Write(p []byte) (int, error) { return d.h.Write(p) }

// Sum returns the formatted quick hash.
func (d *QuickDigest) Sum() string { return d.prefix + hex.EncodeToString(d.h.Sum(nil)) }

// FullDigest computes the configured full hashes in a single pass.
type FullDigest struct {
	w       io.Writer
	primary hash.Hash
	compat  hash.Hash
	set     *Set
}

// NewFull starts a full digest for every configured full hash.
func (s *Set) NewFull() *FullDigest {
	d := &FullDigest{set: s}
	var writers []io.Writer
	if s.Primary != nil {
		d.primary = s.Primary.New()
		writers = append(writers, d.primary)
	}
	if s.Compat != nil {
		d.compat = s.Compat.New()
		writers = append(writers, d.compat)
	}
	d.w = io.MultiWriter(writers...)
	return d
}

func (d *FullDigest) Write(p []byte) (int, error) { return d.w.Write(p) }

// Sums returns the formatted primary and compatibility hashes.
// A disabled hash is returned as "".
func (d *FullDigest) Sums() (primary, compat string) {
	if d.primary != nil {
		primary = Format(d.set.Primary, d.primary.Sum(nil))
	}
	if d.compat != nil {
		compat = Format(d.set.Compat, d.compat.Sum(nil))
	}
	return primary, compat
}
