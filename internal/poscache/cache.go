// Package poscache is a namespaced, TTL-aware cache for the expensive,
// repeatable lookups in the normalization pipeline: raw-name-to-item
// mappings, note-to-mods extraction, and group-pattern hints. Keys are
// derived deterministically from a canonicalized payload so the same
// logical lookup always lands on the same cache entry regardless of key
// ordering or incidental whitespace.
package poscache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// Namespace identifies which kind of lookup a cache entry belongs to.
type Namespace string

const (
	ItemMappingCache  Namespace = "item_mapping_cache"
	NoteModsCache     Namespace = "note_mods_cache"
	GroupPatternCache Namespace = "group_pattern_cache"
)

var validNamespaces = map[Namespace]bool{
	ItemMappingCache:  true,
	NoteModsCache:     true,
	GroupPatternCache: true,
}

var namespaceKeyRequirements = map[Namespace][]string{
	ItemMappingCache:  {"name_raw", "menu_catalog_version"},
	NoteModsCache:     {"note_raw", "allowed_mods_version"},
	GroupPatternCache: {"group_pattern", "menu_catalog_version", "allowed_mods_version"},
}

var defaultNamespaceTTLs = map[Namespace]time.Duration{
	ItemMappingCache:  time.Hour,
	NoteModsCache:     time.Hour,
	GroupPatternCache: 30 * time.Minute,
}

// Entry is one cached lookup result.
type Entry struct {
	Value      any            `json:"value"`
	Confidence float64        `json:"confidence"`
	Meta       map[string]any `json:"meta,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  *time.Time     `json:"expires_at"`
}

// IsExpired reports whether the entry's TTL has elapsed as of now.
func (e Entry) IsExpired(now time.Time) bool {
	if e.ExpiresAt == nil {
		return false
	}
	return !now.Before(*e.ExpiresAt)
}

// Backend is the storage interface a Cache delegates to. MemoryBackend
// and BoltBackend both satisfy it.
type Backend interface {
	Get(namespace Namespace, key string) (Entry, bool, error)
	Set(namespace Namespace, key string, entry Entry) error
	Delete(namespace Namespace, key string) error
	Stats(namespace Namespace) (count int, bytes int64, err error)
	Clear(namespace Namespace) error
}

// NamespaceStats reports row count and approximate size for one namespace.
type NamespaceStats struct {
	Namespace Namespace
	Count     int
	Bytes     int64
}

// Stats returns row counts and approximate sizes for every namespace.
func (c *Cache) Stats() ([]NamespaceStats, error) {
	stats := make([]NamespaceStats, 0, len(defaultNamespaceTTLs))
	for ns := range defaultNamespaceTTLs {
		count, bytes, err := c.backend.Stats(ns)
		if err != nil {
			return nil, err
		}
		stats = append(stats, NamespaceStats{Namespace: ns, Count: count, Bytes: bytes})
	}
	return stats, nil
}

// ClearNamespace deletes every entry in one namespace.
func (c *Cache) ClearNamespace(namespace Namespace) error {
	if !validNamespaces[namespace] {
		return fmt.Errorf("unsupported namespace: %s", namespace)
	}
	return c.backend.Clear(namespace)
}

// ClearAll deletes every entry in every namespace.
func (c *Cache) ClearAll() error {
	for ns := range defaultNamespaceTTLs {
		if err := c.backend.Clear(ns); err != nil {
			return err
		}
	}
	return nil
}

func isMissingRequired(value any) bool {
	if value == nil {
		return true
	}
	if s, ok := value.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

// Cache resolves namespaced, canonical-key lookups against a Backend,
// applying a per-namespace TTL to every entry it writes and lazily
// evicting expired entries on Get.
type Cache struct {
	backend       Backend
	namespaceTTLs map[Namespace]time.Duration
}

// New builds a Cache over backend, using the default per-namespace TTLs
// unless overridden by ttlOverrides.
func New(backend Backend, ttlOverrides map[Namespace]time.Duration) (*Cache, error) {
	ttls := make(map[Namespace]time.Duration, len(defaultNamespaceTTLs))
	for ns, ttl := range defaultNamespaceTTLs {
		ttls[ns] = ttl
	}
	for ns, ttl := range ttlOverrides {
		if !validNamespaces[ns] {
			return nil, fmt.Errorf("unsupported TTL namespace: %s", ns)
		}
		ttls[ns] = ttl
	}
	return &Cache{backend: backend, namespaceTTLs: ttls}, nil
}

// Close releases the underlying backend's resources if it supports
// closing (BoltBackend does; MemoryBackend is a no-op).
func (c *Cache) Close() error {
	if closer, ok := c.backend.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Get looks up keyPayload in namespace, returning (entry, true) on a
// live hit. An expired entry is evicted and reported as a miss.
func (c *Cache) Get(namespace Namespace, keyPayload map[string]any) (Entry, bool, error) {
	key, err := c.makeKey(namespace, keyPayload)
	if err != nil {
		return Entry{}, false, err
	}
	entry, ok, err := c.backend.Get(namespace, key)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	if entry.IsExpired(time.Now()) {
		_ = c.backend.Delete(namespace, key)
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Set stores value under keyPayload's canonical key in namespace,
// stamping an expiry from that namespace's TTL (no expiry if the TTL is
// zero or negative). Confidence is clamped to [0, 1].
func (c *Cache) Set(namespace Namespace, keyPayload map[string]any, value any, confidence float64, meta map[string]any) (Entry, error) {
	key, err := c.makeKey(namespace, keyPayload)
	if err != nil {
		return Entry{}, err
	}

	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	now := time.Now()
	var expiresAt *time.Time
	if ttl, ok := c.namespaceTTLs[namespace]; ok && ttl > 0 {
		t := now.Add(ttl)
		expiresAt = &t
	}

	entry := Entry{
		Value:      value,
		Confidence: confidence,
		Meta:       meta,
		CreatedAt:  now,
		ExpiresAt:  expiresAt,
	}
	if err := c.backend.Set(namespace, key, entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Invalidate evicts the entry for keyPayload in namespace, if present.
func (c *Cache) Invalidate(namespace Namespace, keyPayload map[string]any) error {
	key, err := c.makeKey(namespace, keyPayload)
	if err != nil {
		return err
	}
	return c.backend.Delete(namespace, key)
}

func (c *Cache) makeKey(namespace Namespace, keyPayload map[string]any) (string, error) {
	if !validNamespaces[namespace] {
		return "", fmt.Errorf("unsupported namespace: %s", namespace)
	}

	var missing []string
	for _, field := range namespaceKeyRequirements[namespace] {
		if isMissingRequired(keyPayload[field]) {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("missing key fields for %s: %s", namespace, strings.Join(missing, ", "))
	}

	canonical, err := json.Marshal(normalizeValue(keyPayload))
	if err != nil {
		return "", fmt.Errorf("canonicalizing cache key: %w", err)
	}
	digest := sha256.Sum256(canonical)
	return fmt.Sprintf("%s:%s", namespace, hex.EncodeToString(digest[:])), nil
}

// normalizeValue recursively sorts map keys and trims strings so that
// two payloads differing only in key order or incidental whitespace
// hash to the same canonical key. json.Marshal on a map already sorts
// keys, so this only needs to trim strings and recurse into nested
// maps/slices.
func normalizeValue(value any) any {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		normalized := make(map[string]any, len(v))
		for k, val := range v {
			normalized[k] = normalizeValue(val)
		}
		return normalized
	case []any:
		normalized := make([]any, len(v))
		for i, val := range v {
			normalized[i] = normalizeValue(val)
		}
		return normalized
	default:
		return v
	}
}
