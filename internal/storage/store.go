package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors
var (
	ErrNotFound = errors.New("not found")
)

// DPChange is one recorded datapoint transition.
type DPChange struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	DeviceID  string    `json:"device_id"`
	Attribute string    `json:"attribute"`
	Value     string    `json:"value"`
}

// Store persists thermostat telemetry. The bridge runs without one when
// no database is configured.
type Store interface {
	RecordDPChange(ctx context.Context, change *DPChange) error
	ListDPChanges(ctx context.Context, deviceID string, since time.Time, limit int) ([]*DPChange, error)
	Close() error
}

// NopStore discards telemetry.
type NopStore struct{}

func (NopStore) RecordDPChange(context.Context, *DPChange) error { return nil }

func (NopStore) ListDPChanges(context.Context, string, time.Time, int) ([]*DPChange, error) {
	return nil, nil
}

func (NopStore) Close() error { return nil }
