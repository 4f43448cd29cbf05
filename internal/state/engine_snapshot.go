package state

import (
	"context"
	"encoding/json"
	"strings"
)

// EngineSnapshot is the last position pair an engine observed, persisted
// so operators can inspect the book after a halt or restart.
type EngineSnapshot struct {
	State         string  `json:"state"`
	BaseToken     string  `json:"base_token"`
	PerpSize      float64 `json:"perp_size"`
	PerpSide      string  `json:"perp_side"`
	PerpNotional  float64 `json:"perp_notional"`
	HedgeSize     float64 `json:"hedge_size"`
	HedgeSide     string  `json:"hedge_side"`
	HedgeNotional float64 `json:"hedge_notional"`
	Validity      string  `json:"validity"`
	UpdatedAtMS   int64   `json:"updated_at_ms"`
}

func engineSnapshotKey(baseToken string) string {
	return "engine:" + baseToken + ":last_snapshot"
}

func LoadEngineSnapshot(ctx context.Context, store Store, baseToken string) (EngineSnapshot, bool, error) {
	if store == nil {
		return EngineSnapshot{}, false, nil
	}
	raw, ok, err := store.Get(ctx, engineSnapshotKey(baseToken))
	if err != nil {
		return EngineSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return EngineSnapshot{}, false, nil
	}
	var snapshot EngineSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return EngineSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveEngineSnapshot(ctx context.Context, store Store, snapshot EngineSnapshot) error {
	if store == nil {
		return nil
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, engineSnapshotKey(snapshot.BaseToken), string(payload))
}
