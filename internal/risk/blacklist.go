package risk

import "strings"

// StaticBlacklist is a fixed merchant blacklist loaded at startup.
// Membership checks are case-sensitive on the normalized (trimmed) ID.
type StaticBlacklist struct {
	merchants map[string]struct{}
}

// NewStaticBlacklist builds a blacklist from merchant IDs. Empty entries
// are ignored.
func NewStaticBlacklist(merchantIDs []string) *StaticBlacklist {
	m := make(map[string]struct{}, len(merchantIDs))
	for _, id := range merchantIDs {
		id = strings.TrimSpace(id)
		if id != "" {
			m[id] = struct{}{}
		}
	}
	return &StaticBlacklist{merchants: m}
}

func (b *StaticBlacklist) IsBlacklisted(merchantID string) bool {
	_, ok := b.merchants[strings.TrimSpace(merchantID)]
	return ok
}

// Size returns the number of blacklisted merchants.
func (b *StaticBlacklist) Size() int {
	return len(b.merchants)
}
