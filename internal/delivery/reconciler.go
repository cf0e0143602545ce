package delivery

import (
	"sort"
	"strings"
	"time"

	"salesops/internal/storage"
)

// Reconcile returns the live queued notifications in flush order.
//
// An explicit expires_at wins over sent_at + TTL in both directions. An entry
// is live while now is not after its deadline. Entries without a message or
// without any timestamp are skipped. Every pending_* key is scanned; types
// missing from the priority table flush last.
func Reconcile(attrs storage.Attributes, now time.Time) []PendingItem {
	var out []PendingItem
	for _, key := range attrs.KeysWithPrefix(PendingPrefix) {
		it, ok := decodePending(attrs, key)
		if !ok || now.After(it.Deadline) {
			continue
		}
		out = append(out, it)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// ExpiredKeys lists well-formed pending keys whose deadline has passed.
// Malformed entries are left for an operator to inspect.
func ExpiredKeys(attrs storage.Attributes, now time.Time) []string {
	var out []string
	for _, key := range attrs.KeysWithPrefix(PendingPrefix) {
		it, ok := decodePending(attrs, key)
		if ok && now.After(it.Deadline) {
			out = append(out, key)
		}
	}
	return out
}

func decodePending(attrs storage.Attributes, key string) (PendingItem, bool) {
	typ := strings.TrimPrefix(key, PendingPrefix)
	if typ == "" {
		return PendingItem{}, false
	}
	var q QueuedNotification
	if !attrs.Get(key, &q) {
		return PendingItem{}, false
	}
	if strings.TrimSpace(q.RenderedMessage) == "" {
		return PendingItem{}, false
	}
	var deadline time.Time
	switch {
	case q.ExpiresAt != nil && !q.ExpiresAt.IsZero():
		deadline = *q.ExpiresAt
	case !q.SentAt.IsZero():
		deadline = q.SentAt.Add(TTLFor(typ))
	default:
		return PendingItem{}, false
	}
	return PendingItem{
		Type:     typ,
		Key:      key,
		Message:  q.RenderedMessage,
		SentAt:   q.SentAt,
		Deadline: deadline,
		Priority: PriorityFor(typ),
	}, true
}
