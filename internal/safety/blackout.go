package safety

import (
	"context"
	"fmt"
	"time"

	"github.com/aegisops/aegis/internal/model"
)

// BlackoutStore lists blackout windows active at an instant
// (enabled, start <= now < end).
type BlackoutStore interface {
	ActiveBlackoutWindows(ctx context.Context, at time.Time) ([]model.BlackoutWindow, error)
}

// BlackoutService denies executions that fall inside an active blackout
// window matching the runbook by scope.
type BlackoutService struct {
	store BlackoutStore
	now   func() time.Time
}

// NewBlackoutService creates a blackout checker.
func NewBlackoutService(store BlackoutStore) *BlackoutService {
	return &BlackoutService{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Allow reports whether any active window inhibits the runbook. When
// denied, the returned time is the window's end.
func (b *BlackoutService) Allow(ctx context.Context, rb *model.Runbook) (bool, string, *time.Time, error) {
	windows, err := b.store.ActiveBlackoutWindows(ctx, b.now())
	if err != nil {
		return false, "", nil, fmt.Errorf("load blackout windows: %w", err)
	}

	for i := range windows {
		w := &windows[i]
		if !w.Enabled {
			continue
		}
		if !windowCovers(w, rb) {
			continue
		}
		end := w.EndTime
		reason := fmt.Sprintf("blackout window %q active until %s", w.Name, end.Format(time.RFC3339))
		if w.Reason != "" {
			reason += " (" + w.Reason + ")"
		}
		return false, reason, &end, nil
	}
	return true, "", nil, nil
}

func windowCovers(w *model.BlackoutWindow, rb *model.Runbook) bool {
	switch w.Scope {
	case model.BlackoutAll:
		return true
	case model.BlackoutCategory:
		for _, c := range w.AffectedCategories {
			if c == rb.Category {
				return true
			}
		}
	case model.BlackoutRunbook:
		for _, id := range w.AffectedRunbookIDs {
			if id == rb.ID {
				return true
			}
		}
	}
	return false
}
