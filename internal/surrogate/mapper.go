// Package surrogate maps sensitive values to stable, scope-bound surrogate tokens.
//
// Tokens are HMAC-SHA256 derivations keyed by a per-scope secret, so the same
// canonical value yields the same token inside a scope and an unrelated token in
// any other scope. The mapper never stores raw values and has no reverse lookup.
package surrogate

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/raaihank/phi-sentinel/internal/rules"
)

// ErrEmptyScope is returned when a caller omits the scope identifier.
var ErrEmptyScope = errors.New("surrogate: empty scope")

const (
	DefaultShards      = 64
	DefaultTokenLength = 20
	MinTokenLength     = 16
)

// OffsetStore shares per-subject date offsets beyond a single process.
// ClaimOffset stores candidate if no offset exists for the key and returns
// whichever value is stored afterwards.
type OffsetStore interface {
	ClaimOffset(ctx context.Context, scope, subjectDigest string, candidate int) (int, error)
}

// Config holds mapper settings.
type Config struct {
	MasterKey   []byte
	TokenLength int
	Shards      int
	Store       OffsetStore
}

type tokenKey struct {
	scope  string
	entity rules.EntityType
	digest [sha256.Size]byte
}

type offsetKey struct {
	scope   string
	subject [sha256.Size]byte
}

type shard struct {
	mu      sync.Mutex
	tokens  map[tokenKey]string
	offsets map[offsetKey]int
}

// Mapper is the consistency map for every scope in a process.
// It is safe for concurrent use.
type Mapper struct {
	masterKey []byte
	tokenLen  int
	shards    []*shard
	store     OffsetStore
	logger    *zap.Logger

	secrets sync.Map // scope -> []byte
	entries atomic.Int64
}

// NewMapper builds a mapper. A missing master key is replaced by a random one,
// which makes tokens unreproducible across restarts.
func NewMapper(cfg Config, logger *zap.Logger) (*Mapper, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}
	if cfg.TokenLength == 0 {
		cfg.TokenLength = DefaultTokenLength
	}
	if cfg.TokenLength < MinTokenLength || cfg.TokenLength > 2*sha256.Size {
		return nil, fmt.Errorf("surrogate: token length must be within [%d,%d], got %d", MinTokenLength, 2*sha256.Size, cfg.TokenLength)
	}

	key := cfg.MasterKey
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("surrogate: generate master key: %w", err)
		}
		logger.Warn("No surrogate master key configured, using an ephemeral key; tokens will not be stable across restarts")
	}

	m := &Mapper{
		masterKey: key,
		tokenLen:  cfg.TokenLength,
		shards:    make([]*shard, cfg.Shards),
		store:     cfg.Store,
		logger:    logger,
	}
	for i := range m.shards {
		m.shards[i] = &shard{
			tokens:  make(map[tokenKey]string),
			offsets: make(map[offsetKey]int),
		}
	}
	return m, nil
}

func (m *Mapper) scopeSecret(scope string) []byte {
	if v, ok := m.secrets.Load(scope); ok {
		return v.([]byte)
	}
	mac := hmac.New(sha256.New, m.masterKey)
	mac.Write([]byte("scope\x00"))
	mac.Write([]byte(scope))
	v, _ := m.secrets.LoadOrStore(scope, mac.Sum(nil))
	return v.([]byte)
}

func (m *Mapper) shardFor(scope string, digest []byte) *shard {
	h := xxhash.New()
	h.WriteString(scope)
	h.Write(digest)
	return m.shards[h.Sum64()%uint64(len(m.shards))]
}

// SurrogateFor returns the token for a value of the given entity type inside scope.
// The first call for a canonical value mints and records the token; later calls
// return the identical token.
func (m *Mapper) SurrogateFor(scope string, entity rules.EntityType, raw string) (string, error) {
	if scope == "" {
		return "", ErrEmptyScope
	}
	canonical := Canonicalize(raw)
	key := tokenKey{scope: scope, entity: entity, digest: sha256.Sum256([]byte(canonical))}

	sh := m.shardFor(scope, key.digest[:])
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if tok, ok := sh.tokens[key]; ok {
		return tok, nil
	}

	mac := hmac.New(sha256.New, m.scopeSecret(scope))
	mac.Write([]byte(entity))
	mac.Write([]byte{0})
	mac.Write([]byte(canonical))
	tok := hex.EncodeToString(mac.Sum(nil))[:m.tokenLen]

	sh.tokens[key] = tok
	m.entries.Add(1)
	return tok, nil
}

// OffsetFor returns the per-subject day offset used by DATE_SHIFT. The offset is
// drawn once per (scope, subject), is never zero, and lies within ±maxDays.
func (m *Mapper) OffsetFor(ctx context.Context, scope, subject string, maxDays int) (int, error) {
	if scope == "" {
		return 0, ErrEmptyScope
	}
	if maxDays <= 0 {
		return 0, fmt.Errorf("surrogate: max shift days must be positive, got %d", maxDays)
	}

	// Subject ids are identifiers themselves; only their keyed digest leaves the mapper.
	mac := hmac.New(sha256.New, m.scopeSecret(scope))
	mac.Write([]byte("subject\x00"))
	mac.Write([]byte(Canonicalize(subject)))
	var key offsetKey
	key.scope = scope
	copy(key.subject[:], mac.Sum(nil))

	sh := m.shardFor(scope, key.subject[:])
	sh.mu.Lock()
	if off, ok := sh.offsets[key]; ok {
		sh.mu.Unlock()
		return off, nil
	}
	candidate, err := randomOffset(maxDays)
	if err != nil {
		sh.mu.Unlock()
		return 0, err
	}
	if m.store == nil {
		sh.offsets[key] = candidate
		sh.mu.Unlock()
		return candidate, nil
	}
	sh.mu.Unlock()

	// The store is authoritative, so concurrent claimants converge on one value.
	off, err := m.store.ClaimOffset(ctx, scope, hex.EncodeToString(key.subject[:]), candidate)
	if err != nil {
		return 0, fmt.Errorf("surrogate: claim offset: %w", err)
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if existing, ok := sh.offsets[key]; ok {
		return existing, nil
	}
	sh.offsets[key] = off
	return off, nil
}

func randomOffset(maxDays int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(2*maxDays)))
	if err != nil {
		return 0, fmt.Errorf("surrogate: draw offset: %w", err)
	}
	v := int(n.Int64()) - maxDays
	if v >= 0 {
		v++
	}
	return v, nil
}

// Discard drops every mapping of a scope. It is called at scope end.
func (m *Mapper) Discard(scope string) {
	for _, sh := range m.shards {
		sh.mu.Lock()
		for k := range sh.tokens {
			if k.scope == scope {
				delete(sh.tokens, k)
				m.entries.Add(-1)
			}
		}
		for k := range sh.offsets {
			if k.scope == scope {
				delete(sh.offsets, k)
			}
		}
		sh.mu.Unlock()
	}
	m.secrets.Delete(scope)
	m.logger.Debug("Discarded surrogate scope", zap.String("scope", scope))
}

// Len returns the number of token mappings held across all scopes.
func (m *Mapper) Len() int64 {
	return m.entries.Load()
}
