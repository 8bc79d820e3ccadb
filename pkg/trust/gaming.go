package trust

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/vorion-labs/cognigate/pkg/store"
)

// detectGaming inspects the recent score-change history of an entity
// and raises an alert when swing frequency and magnitude inside the
// sliding window exceed the configured thresholds. Alerts flag the
// entity for downstream review; they never block signal processing.
func (e *Engine) detectGaming(ctx context.Context, entityID string, now time.Time) error {
	deltas, err := e.store.RecentScoreChanges(ctx, entityID, now.Add(-e.params.SwingWindow))
	if err != nil {
		return err
	}
	if len(deltas) < e.params.SwingCount {
		return nil
	}

	var magnitude float64
	for _, d := range deltas {
		magnitude += math.Abs(d)
	}
	if magnitude < e.params.SwingMagnitude {
		return nil
	}

	// Suppress duplicates while an alert is already open.
	active, err := e.store.ActiveGamingAlertCount(ctx, entityID)
	if err != nil {
		return err
	}
	if active > 0 {
		return nil
	}

	severity := "MEDIUM"
	if magnitude >= 2*e.params.SwingMagnitude {
		severity = "HIGH"
	}
	alert := &store.GamingAlertRow{
		ID:             uuid.New().String(),
		EntityID:       entityID,
		AlertType:      "rapid_score_swing",
		Severity:       severity,
		Status:         "ACTIVE",
		ThresholdValue: e.params.SwingMagnitude,
		ActualValue:    magnitude,
		Details: map[string]any{
			"window":      e.params.SwingWindow.String(),
			"swing_count": len(deltas),
		},
		CreatedAt: now,
	}
	if err := e.store.InsertGamingAlert(ctx, alert); err != nil {
		return err
	}
	e.logger.Warn("gaming alert raised",
		"entity", entityID, "magnitude", magnitude, "swings", len(deltas))
	return nil
}
