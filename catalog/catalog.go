// Package catalog implements the Capability Catalog: a signed, versioned
// registry of executable primitives. Entries are HMAC-signed on build and
// verified on every read — a catalog consumer rejects anything whose
// recomputed digest disagrees or whose id is revoked.
package catalog

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kraklabs/scp/logging"
)

// Category classifies a capability entry.
type Category string

const (
	CategoryConnector Category = "connector"
	CategoryService   Category = "service"
	CategoryAction    Category = "action"
	CategoryTransform Category = "transform"
)

// ExecutorKind is the variant tag of an Entry's executor binding.
type ExecutorKind string

const (
	ExecutorFunctionRef ExecutorKind = "function-ref"
	ExecutorHTTPRef     ExecutorKind = "http-ref"
	ExecutorGRPCRef     ExecutorKind = "grpc-ref"
	ExecutorWebSocketRef ExecutorKind = "websocket-ref"
)

// ExecutorRef is a tagged union over the four executor binding variants.
type ExecutorRef struct {
	Kind ExecutorKind `json:"kind"`
	Ref  string       `json:"ref"`
}

// IOField describes one input or output of a capability, typed as a subset
// of JSON Schema.
type IOField struct {
	Name     string `json:"name"`
	Type     string `json:"type"` // "string"|"number"|"boolean"|"object"|"array"
	Required bool   `json:"required,omitempty"`
}

// CostEstimate is the per-instruction admission-check input used by stage 8
// of the compilation pipeline.
type CostEstimate struct {
	CPU       float64 `json:"cpu"`       // [0,1]
	MemoryMB  float64 `json:"memoryMB"`  // >=0
}

// Signature binds an entry's identity fields with a keyed hash.
type Signature struct {
	Algorithm string `json:"algorithm"` // always "HMAC-SHA256"
	KeyID     string `json:"keyId"`
	SignedAt  time.Time `json:"signedAt"`
	HexDigest string `json:"hexDigest"`
}

// Entry is one executable primitive: identity, typed I/O, executor binding,
// performance hints, and a crypto signature over its identity fields.
type Entry struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Category    Category     `json:"category"`
	Description string       `json:"description"`
	Inputs      []IOField    `json:"inputs"`
	Outputs     []IOField    `json:"outputs"`
	Executor    ExecutorRef  `json:"executor"`

	EstimatedDuration time.Duration `json:"estimatedDuration"`
	Cacheable         bool          `json:"cacheable"`
	CacheTTL          time.Duration `json:"cacheTTL,omitempty"`
	SupportsParallel  bool          `json:"supportsParallel"`
	IsLLMCall         bool          `json:"isLLMCall"`
	EstimatedCost     CostEstimate  `json:"estimatedCost"`

	Signature Signature `json:"signature"`
}

// signedPayload returns the byte string the signature is computed over:
// id|name|category|description|signedAt.
func signedPayload(e *Entry, signedAt time.Time) string {
	return strings.Join([]string{
		e.ID, e.Name, string(e.Category), e.Description, signedAt.UTC().Format(time.RFC3339Nano),
	}, "|")
}

// Signer signs and verifies catalog entries with a shared HMAC-SHA256 key.
type Signer struct {
	secret []byte
	keyID  string
}

// NewSigner derives a stable 8-hex-char keyId from HMAC(secret, "keyid"),
// per the external interfaces section.
func NewSigner(secret string) *Signer {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("keyid"))
	keyID := hex.EncodeToString(mac.Sum(nil))[:8]
	return &Signer{secret: []byte(secret), keyID: keyID}
}

// Sign computes and attaches a signature to e, using signedAt as the
// timestamp bound into the digest.
func (s *Signer) Sign(e *Entry, signedAt time.Time) {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(signedPayload(e, signedAt)))
	e.Signature = Signature{
		Algorithm: "HMAC-SHA256",
		KeyID:     s.keyID,
		SignedAt:  signedAt,
		HexDigest: hex.EncodeToString(mac.Sum(nil)),
	}
}

// Verify is pure (no I/O): it recomputes the HMAC over the entry's identity
// fields and compares to the stored digest in constant time.
func (s *Signer) Verify(e *Entry) bool {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(signedPayload(e, e.Signature.SignedAt)))
	expected := mac.Sum(nil)
	got, err := hex.DecodeString(e.Signature.HexDigest)
	if err != nil {
		return false
	}
	return e.Signature.Algorithm == "HMAC-SHA256" && hmac.Equal(expected, got)
}

// Source supplies the raw entries a Catalog is built from — typically a
// component registry elsewhere in the platform.
type Source interface {
	Entries(ctx context.Context) ([]Entry, error)
}

// Cache persists a built Document so repeated builds (within TTL) are free.
// Implementations: RedisCache (production), nil (disabled).
type Cache interface {
	Get(ctx context.Context) (*Document, bool)
	Set(ctx context.Context, doc *Document, ttl time.Duration)
	Invalidate(ctx context.Context)
}

// Document is a versioned, timestamped snapshot of all catalog entries plus
// derived indexes for fast lookup.
type Document struct {
	Version     int                 `json:"version"`
	BuiltAt     time.Time           `json:"builtAt"`
	Entries     []Entry             `json:"entries"`
	byID        map[string]*Entry
	byCategory  map[Category][]*Entry
	keywordIdx  map[string][]*Entry
}

func newDocument(version int, entries []Entry) *Document {
	doc := &Document{
		Version:    version,
		BuiltAt:    time.Now(),
		Entries:    entries,
		byID:       make(map[string]*Entry, len(entries)),
		byCategory: make(map[Category][]*Entry),
		keywordIdx: make(map[string][]*Entry),
	}
	for i := range doc.Entries {
		e := &doc.Entries[i]
		doc.byID[e.ID] = e
		doc.byCategory[e.Category] = append(doc.byCategory[e.Category], e)
		for _, kw := range keywordsOf(e) {
			doc.keywordIdx[kw] = append(doc.keywordIdx[kw], e)
		}
	}
	return doc
}

func keywordsOf(e *Entry) []string {
	words := strings.Fields(strings.ToLower(e.Name + " " + e.Description))
	seen := make(map[string]bool, len(words))
	out := make([]string, 0, len(words))
	for _, w := range words {
		if !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	return out
}

// Get returns the entry with the given id, or (nil, false).
func (d *Document) Get(id string) (*Entry, bool) {
	e, ok := d.byID[id]
	return e, ok
}

// ListByCategory returns all entries of the given category.
func (d *Document) ListByCategory(cat Category) []Entry {
	refs := d.byCategory[cat]
	out := make([]Entry, len(refs))
	for i, r := range refs {
		out[i] = *r
	}
	return out
}

// ScoredEntry pairs an entry with its relevance score from Search.
type ScoredEntry struct {
	Entry Entry
	Score float64
}

// Search ranks entries against a whitespace-split query: +2 per name-term
// match, +1 per description-term match, +0.5 per keyword-index match.
// Zero-score entries are excluded. Ties break by lower id, lexicographically.
func (d *Document) Search(query string, limit int) []ScoredEntry {
	terms := strings.Fields(strings.ToLower(query))
	scores := make(map[string]float64)

	for _, term := range terms {
		for i := range d.Entries {
			e := &d.Entries[i]
			name := strings.ToLower(e.Name)
			desc := strings.ToLower(e.Description)
			if strings.Contains(name, term) {
				scores[e.ID] += 2
			}
			if strings.Contains(desc, term) {
				scores[e.ID] += 1
			}
			if kwMatches(d.keywordIdx, term, e.ID) {
				scores[e.ID] += 0.5
			}
		}
	}

	results := make([]ScoredEntry, 0, len(scores))
	for id, score := range scores {
		if score <= 0 {
			continue
		}
		e, ok := d.byID[id]
		if !ok {
			continue
		}
		results = append(results, ScoredEntry{Entry: *e, Score: score})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Entry.ID < results[j].Entry.ID
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

func kwMatches(idx map[string][]*Entry, term, id string) bool {
	for _, e := range idx[term] {
		if e.ID == id {
			return true
		}
	}
	return false
}

// Catalog owns the signed snapshot lifecycle: build from a Source, verify
// signatures/revocation on read, cache the built Document, and invalidate on
// registry change.
type Catalog struct {
	source  Source
	signer  *Signer
	revoked map[string]bool
	cache   Cache
	ttl     time.Duration
	logger  logging.Logger

	mu      sync.RWMutex
	version int
}

// New constructs a Catalog. revokedIDs comes from CATALOG_REVOKED_ENTRIES.
func New(source Source, signer *Signer, revokedIDs []string, cache Cache, ttl time.Duration, logger logging.Logger) *Catalog {
	revoked := make(map[string]bool, len(revokedIDs))
	for _, id := range revokedIDs {
		revoked[id] = true
	}
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &Catalog{source: source, signer: signer, revoked: revoked, cache: cache, ttl: ttl, logger: logger}
}

// Build produces a signed, deterministic snapshot. It never fails on a
// missing or expired cache entry — it falls through to a registry rebuild.
func (c *Catalog) Build(ctx context.Context) (*Document, error) {
	if c.cache != nil {
		if doc, ok := c.cache.Get(ctx); ok {
			return doc, nil
		}
	}

	entries, err := c.source.Entries(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog: rebuild from source: %w", err)
	}

	signedAt := time.Now()
	for i := range entries {
		c.signer.Sign(&entries[i], signedAt)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	c.mu.Lock()
	c.version++
	version := c.version
	c.mu.Unlock()

	doc := newDocument(version, entries)

	if c.cache != nil {
		c.cache.Set(ctx, doc, c.ttl)
	}

	c.logger.Info("catalog rebuilt", map[string]interface{}{"version": version, "entries": len(entries)})
	return doc, nil
}

// Verify reports whether e is acceptable: its signature recomputes cleanly
// and its id is not in the revocation set. Both conditions are required by
// the universal invariant "verify(e)=true and e.id not in revoked".
func (c *Catalog) Verify(e *Entry) bool {
	if c.revoked[e.ID] {
		return false
	}
	return c.signer.Verify(e)
}

// Invalidate drops any cached snapshot; the next Build rebuilds from source.
func (c *Catalog) Invalidate(ctx context.Context) {
	if c.cache != nil {
		c.cache.Invalidate(ctx)
	}
}
