package candidates

import (
	"fmt"
	"strings"
)

// asCatalogEntries walks a loosely-typed catalog payload — a map keyed by
// item id, or a list of entries — and flattens it into catalogEntry
// values. Menu catalogs loaded from hand-edited JSON arrive in either
// shape. In a map-shaped catalog an entry may be a bare string, a mapping
// with canonical_name/aliases, or a list of name strings; in a
// list-shaped catalog only mapping entries are kept and others are skipped.
func asCatalogEntries(raw any) []catalogEntry {
	switch v := raw.(type) {
	case map[string]any:
		entries := make([]catalogEntry, 0, len(v))
		for itemID, payload := range v {
			entryItemID := itemID
			if m, ok := payload.(map[string]any); ok {
				if id := stringField(m, "item_id", "id"); id != "" {
					entryItemID = id
				}
			}
			entries = append(entries, normalizeCatalogEntry(entryItemID, payload))
		}
		return entries
	case []any:
		entries := make([]catalogEntry, 0, len(v))
		for i, payload := range v {
			m, ok := payload.(map[string]any)
			if !ok {
				continue
			}
			itemID := stringField(m, "item_id", "id")
			if itemID == "" {
				itemID = stringField(m, "canonical_name", "name")
			}
			if itemID == "" {
				itemID = fmt.Sprintf("list_item_%d", i)
			}
			entries = append(entries, normalizeCatalogEntry(itemID, payload))
		}
		return entries
	default:
		return nil
	}
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s := coerceString(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func coerceString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprintf("%v", v))
}

func normalizeCatalogEntry(itemID any, payload any) catalogEntry {
	canonicalName := ""
	var aliases []string

	switch p := payload.(type) {
	case string:
		canonicalName = p
	case map[string]any:
		canonicalName = stringField(p, "canonical_name", "name")
		if canonicalName == "" {
			canonicalName = coerceString(itemID)
		}
		aliasSrc, ok := p["aliases"]
		if !ok {
			aliasSrc = p["alias"]
		}
		aliases = coerceAliases(aliasSrc)
	case []any:
		var names []string
		for _, part := range p {
			if s := coerceString(part); s != "" {
				names = append(names, s)
			}
		}
		if len(names) > 0 {
			canonicalName = names[0]
			aliases = names[1:]
		} else {
			canonicalName = coerceString(itemID)
		}
	default:
		canonicalName = coerceString(payload)
		if canonicalName == "" {
			canonicalName = coerceString(itemID)
		}
	}

	canonicalName = strings.TrimSpace(canonicalName)
	itemIDText := strings.TrimSpace(coerceString(itemID))
	if itemIDText == "" {
		if canonicalName != "" {
			itemIDText = canonicalName
		} else {
			itemIDText = "unknown_item"
		}
	}
	if canonicalName == "" {
		canonicalName = itemIDText
	}

	return catalogEntry{
		itemID:        itemIDText,
		canonicalName: canonicalName,
		aliases:       aliases,
	}
}

// coerceAliases normalizes a catalog entry's alias field, which may be a
// map of alias strings, a single string, or a list of strings.
func coerceAliases(raw any) []string {
	switch v := raw.(type) {
	case nil:
		return nil
	case map[string]any:
		aliases := make([]string, 0, len(v))
		for _, val := range v {
			if s := coerceString(val); s != "" {
				aliases = append(aliases, s)
			}
		}
		return aliases
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil
		}
		return []string{s}
	case []any:
		aliases := make([]string, 0, len(v))
		for _, item := range v {
			if s := coerceString(item); s != "" {
				aliases = append(aliases, s)
			}
		}
		return aliases
	default:
		s := strings.TrimSpace(coerceString(v))
		if s == "" {
			return nil
		}
		return []string{s}
	}
}
