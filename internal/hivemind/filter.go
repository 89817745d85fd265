package hivemind

import (
	"time"

	"github.com/oxen-io/session-push-notification-server/internal/spnscrypto"
)

// currentFilterKey returns the key the dedup fingerprint is hashed
// under. It is fixed for the lifetime of the process; only the
// fingerprint sets age out (spec.md §4.F.d item 3).
func (h *HiveMind) currentFilterKey() []byte {
	return filterKey
}

// seenAndMark reports whether fp has already been seen in either the
// active or the aging fingerprint set, inserting it into the active set
// if not. Rotates the sets first if FilterLifetime has elapsed since the
// last rotation, so a fingerprint is guaranteed visible for at least one
// full FilterLifetime and at most two.
func (h *HiveMind) seenAndMark(fp spnscrypto.Hash) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	if h.filterRotateAt.IsZero() {
		h.filterRotateAt = now
	} else if now.Sub(h.filterRotateAt) >= h.cfg.FilterLifetime {
		h.filterRotate = h.filter
		h.filter = make(map[spnscrypto.Hash]struct{})
		h.filterRotateAt = now
	}

	if _, ok := h.filter[fp]; ok {
		return true
	}
	if _, ok := h.filterRotate[fp]; ok {
		return true
	}
	h.filter[fp] = struct{}{}
	return false
}
