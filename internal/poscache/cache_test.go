package poscache

import (
	"testing"
	"time"
)

func TestCacheSetGetRoundTrip(t *testing.T) {
	c, err := New(NewMemoryBackend(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	payload := map[string]any{"name_raw": "珍珠奶茶", "menu_catalog_version": "v1"}

	if _, ok, _ := c.Get(ItemMappingCache, payload); ok {
		t.Fatalf("expected cache miss before Set")
	}

	if _, err := c.Set(ItemMappingCache, payload, "PEARL_MILK_TEA", 0.92, nil); err != nil {
		t.Fatalf("unexpected error on Set: %v", err)
	}

	entry, ok, err := c.Get(ItemMappingCache, payload)
	if err != nil || !ok {
		t.Fatalf("expected cache hit after Set, ok=%v err=%v", ok, err)
	}
	if entry.Value != "PEARL_MILK_TEA" {
		t.Errorf("expected cached value PEARL_MILK_TEA, got %v", entry.Value)
	}
}

func TestCacheKeyIgnoresFieldOrderAndWhitespace(t *testing.T) {
	c, _ := New(NewMemoryBackend(), nil)
	a := map[string]any{"name_raw": " 珍珠奶茶 ", "menu_catalog_version": "v1"}
	b := map[string]any{"menu_catalog_version": "v1", "name_raw": "珍珠奶茶"}

	if _, err := c.Set(ItemMappingCache, a, "X", 0.5, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok, _ := c.Get(ItemMappingCache, b); !ok {
		t.Errorf("expected differently-ordered/whitespace payload to hit the same cache key")
	}
}

func TestCacheMissingRequiredFieldErrors(t *testing.T) {
	c, _ := New(NewMemoryBackend(), nil)
	_, _, err := c.Get(ItemMappingCache, map[string]any{"name_raw": "珍珠奶茶"})
	if err == nil {
		t.Fatalf("expected error for missing menu_catalog_version")
	}
}

func TestCacheUnsupportedNamespaceErrors(t *testing.T) {
	c, _ := New(NewMemoryBackend(), nil)
	_, _, err := c.Get(Namespace("bogus"), map[string]any{})
	if err == nil {
		t.Fatalf("expected error for unsupported namespace")
	}
}

func TestCacheExpiresEntries(t *testing.T) {
	c, err := New(NewMemoryBackend(), map[Namespace]time.Duration{GroupPatternCache: time.Millisecond})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	payload := map[string]any{"group_pattern": "a+b", "menu_catalog_version": "v1", "allowed_mods_version": "v1"}
	if _, err := c.Set(GroupPatternCache, payload, "packed", 0.4, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	if _, ok, _ := c.Get(GroupPatternCache, payload); ok {
		t.Errorf("expected entry to be expired and evicted")
	}
}

func TestCacheInvalidateRemovesEntry(t *testing.T) {
	c, _ := New(NewMemoryBackend(), nil)
	payload := map[string]any{"note_raw": "少冰", "allowed_mods_version": "v1"}
	if _, err := c.Set(NoteModsCache, payload, []string{"少冰"}, 0.7, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Invalidate(NoteModsCache, payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok, _ := c.Get(NoteModsCache, payload); ok {
		t.Errorf("expected entry to be gone after Invalidate")
	}
}

func TestNewRejectsUnknownTTLNamespace(t *testing.T) {
	_, err := New(NewMemoryBackend(), map[Namespace]time.Duration{Namespace("bogus"): time.Second})
	if err == nil {
		t.Fatalf("expected error for unknown TTL namespace")
	}
}

func TestCacheStatsCountsEntriesPerNamespace(t *testing.T) {
	c, _ := New(NewMemoryBackend(), nil)
	if _, err := c.Set(ItemMappingCache, map[string]any{"name_raw": "珍珠奶茶", "menu_catalog_version": "v1"}, "PEARL_MILK_TEA", 0.9, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.Set(ItemMappingCache, map[string]any{"name_raw": "布丁奶茶", "menu_catalog_version": "v1"}, "PUDDING_MILK_TEA", 0.9, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats, err := c.Stats()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var found bool
	for _, s := range stats {
		if s.Namespace == ItemMappingCache {
			found = true
			if s.Count != 2 {
				t.Errorf("expected 2 entries in %s, got %d", ItemMappingCache, s.Count)
			}
			if s.Bytes <= 0 {
				t.Errorf("expected a positive byte estimate for %s, got %d", ItemMappingCache, s.Bytes)
			}
		}
	}
	if !found {
		t.Fatalf("expected %s to appear in Stats()", ItemMappingCache)
	}
}

func TestCacheClearNamespaceRemovesOnlyThatNamespace(t *testing.T) {
	c, _ := New(NewMemoryBackend(), nil)
	itemPayload := map[string]any{"name_raw": "珍珠奶茶", "menu_catalog_version": "v1"}
	notePayload := map[string]any{"note_raw": "少冰", "allowed_mods_version": "v1"}
	if _, err := c.Set(ItemMappingCache, itemPayload, "PEARL_MILK_TEA", 0.9, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.Set(NoteModsCache, notePayload, []string{"少冰"}, 0.7, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := c.ClearNamespace(ItemMappingCache); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok, _ := c.Get(ItemMappingCache, itemPayload); ok {
		t.Errorf("expected %s to be empty after ClearNamespace", ItemMappingCache)
	}
	if _, ok, _ := c.Get(NoteModsCache, notePayload); !ok {
		t.Errorf("expected %s to be untouched by clearing %s", NoteModsCache, ItemMappingCache)
	}
}

func TestCacheClearAllRemovesEveryNamespace(t *testing.T) {
	c, _ := New(NewMemoryBackend(), nil)
	itemPayload := map[string]any{"name_raw": "珍珠奶茶", "menu_catalog_version": "v1"}
	notePayload := map[string]any{"note_raw": "少冰", "allowed_mods_version": "v1"}
	if _, err := c.Set(ItemMappingCache, itemPayload, "PEARL_MILK_TEA", 0.9, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.Set(NoteModsCache, notePayload, []string{"少冰"}, 0.7, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := c.ClearAll(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok, _ := c.Get(ItemMappingCache, itemPayload); ok {
		t.Errorf("expected %s to be empty after ClearAll", ItemMappingCache)
	}
	if _, ok, _ := c.Get(NoteModsCache, notePayload); ok {
		t.Errorf("expected %s to be empty after ClearAll", NoteModsCache)
	}
}

func TestCacheCloseClosesUnderlyingBoltBackend(t *testing.T) {
	dir := t.TempDir()
	backend, err := OpenBoltBackend(dir + "/cache.db")
	if err != nil {
		t.Fatalf("unexpected error opening bolt backend: %v", err)
	}
	c, err := New(backend, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("unexpected error closing cache: %v", err)
	}
	if _, _, err := c.Get(ItemMappingCache, map[string]any{"name_raw": "x", "menu_catalog_version": "v1"}); err == nil {
		t.Errorf("expected an error reading from a cache whose backend was closed")
	}
}

func TestCacheCloseIsNoOpForMemoryBackend(t *testing.T) {
	c, _ := New(NewMemoryBackend(), nil)
	if err := c.Close(); err != nil {
		t.Errorf("expected Close on a memory-backed cache to be a no-op, got %v", err)
	}
}

func TestBoltBackendRoundTrip(t *testing.T) {
	dir := t.TempDir()
	backend, err := OpenBoltBackend(dir + "/cache.db")
	if err != nil {
		t.Fatalf("unexpected error opening bolt backend: %v", err)
	}
	defer backend.Close()

	c, err := New(backend, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	payload := map[string]any{"name_raw": "布丁奶茶", "menu_catalog_version": "v1"}
	if _, err := c.Set(ItemMappingCache, payload, "PUDDING_MILK_TEA", 0.8, map[string]any{"source": "test"}); err != nil {
		t.Fatalf("unexpected error on Set: %v", err)
	}
	entry, ok, err := c.Get(ItemMappingCache, payload)
	if err != nil || !ok {
		t.Fatalf("expected cache hit from bolt backend, ok=%v err=%v", ok, err)
	}
	if entry.Value != "PUDDING_MILK_TEA" {
		t.Errorf("expected persisted value PUDDING_MILK_TEA, got %v", entry.Value)
	}
}
