package cotab

import (
	"sort"
	"time"
)

// ReconcileOptions tune one merge pass.
type ReconcileOptions struct {
	// Window is the time delta under which an untagged pending send may be
	// matched by (role, content). This is an explicitly lossy heuristic: a
	// legitimate identical resend inside the window is collapsed too.
	Window time.Duration
	// StreamingID is the id of the in-flight streaming placeholder, which is
	// always retained: it has no authoritative counterpart yet.
	StreamingID string
}

// contentKey joins role and content for exact-equality indexing.
func contentKey(role Role, content string) string {
	return string(role) + "\x00" + content
}

// Reconcile merges the authoritative message list with the optimistic set
// into one de-duplicated list sorted ascending by timestamp.
//
// Matching policy, in priority order:
//  1. exact id match -> drop the optimistic copy
//  2. pending send: idempotency token match; without a token, fall back to
//     (same role, exact content, time delta under Window)
//  3. the active streaming placeholder is always retained
//  4. a media placeholder is always retained until externally replaced
//  5. any other leftover placeholder matches by exact (assistant, content)
//     equality with no time window
//
// One linear pass over persisted builds the indexes; each optimistic entry
// then resolves in O(1) amortized.
func Reconcile(persisted, optimistic []Message, opts ReconcileOptions) []Message {
	byID := make(map[string]struct{}, len(persisted))
	byTag := make(map[string]struct{})
	byContent := make(map[string][]int64)
	for i := range persisted {
		m := &persisted[i]
		byID[m.ID] = struct{}{}
		if m.ClientTag != "" {
			byTag[m.ClientTag] = struct{}{}
		}
		k := contentKey(m.Role, m.Content)
		byContent[k] = append(byContent[k], m.CreatedAt)
	}

	out := make([]Message, 0, len(persisted)+len(optimistic))
	out = append(out, persisted...)

	windowMs := opts.Window.Milliseconds()
	for _, m := range optimistic {
		if _, ok := byID[m.ID]; ok {
			continue
		}
		switch {
		case m.Optimistic == OptimisticPendingSend:
			if m.ClientTag != "" {
				if _, ok := byTag[m.ClientTag]; ok {
					continue
				}
				out = append(out, m)
				continue
			}
			if matchedWithin(byContent[contentKey(m.Role, m.Content)], m.CreatedAt, windowMs) {
				continue
			}
			out = append(out, m)
		case m.ID != "" && m.ID == opts.StreamingID:
			out = append(out, m)
		case m.Optimistic == OptimisticMedia:
			out = append(out, m)
		default:
			// completed stream or local error not yet observed as
			// authoritative: exact assistant content match, no window
			if m.Role == RoleAssistant {
				if _, ok := byContent[contentKey(RoleAssistant, m.Content)]; ok {
					continue
				}
			}
			out = append(out, m)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

func matchedWithin(timestamps []int64, at, windowMs int64) bool {
	for _, ts := range timestamps {
		d := at - ts
		if d < 0 {
			d = -d
		}
		if d <= windowMs {
			return true
		}
	}
	return false
}
