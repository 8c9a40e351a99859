package aranet

import (
	"context"
	"fmt"
	"time"
)

// WrapSuspicionAge is how old the newest stored record may be before an
// unchanged device total is treated as a ring-buffer wrap. It equals the
// longest supported sampling interval.
//
// TODO: derive this from the device's configured interval once a device
// family supports intervals longer than IntervalTenMinutes.
const WrapSuspicionAge = time.Duration(IntervalTenMinutes) * time.Second

// SyncStateStore is the persistence the sync engine needs.
type SyncStateStore interface {
	// GetSyncState returns nil, nil when the device has never been synced.
	GetSyncState(ctx context.Context, deviceID string) (*SyncState, error)

	// LatestHistoryTimestamp returns nil, nil when no history is stored.
	LatestHistoryTimestamp(ctx context.Context, deviceID string) (*time.Time, error)

	UpdateSyncState(ctx context.Context, deviceID string, lastIndex, total uint16, at time.Time) error
}

// DecideSyncStart returns the 1-based index the next download must start
// at. A result greater than currentTotal means nothing new is on the device.
//
// The rules, in order: no prior state syncs everything; an unchanged total
// resyncs everything when the local cache is empty or its newest record is
// older than WrapSuspicionAge, and otherwise fetches nothing; growth resumes
// after the last stored index unless that index is past the current total;
// anything else (shrink, missing index) syncs everything.
func DecideSyncStart(state *SyncState, newest *time.Time, currentTotal uint16, now time.Time) int {
	if state == nil {
		return 1
	}

	if state.TotalReadings != nil && *state.TotalReadings == currentTotal {
		if newest == nil {
			return 1
		}
		if now.Sub(*newest) > WrapSuspicionAge {
			return 1
		}
		return int(currentTotal) + 1
	}

	if state.LastHistoryIndex != nil && state.TotalReadings != nil && currentTotal > *state.TotalReadings {
		candidate := int(*state.LastHistoryIndex) + 1
		if candidate > int(currentTotal) {
			return 1
		}
		return candidate
	}

	return 1
}

// SyncEngine loads sync state and applies DecideSyncStart. Failures to
// read or write its own state degrade to a full resync instead of failing
// the sync.
type SyncEngine struct {
	store  SyncStateStore
	clock  Clock
	logger Logger
}

func NewSyncEngine(store SyncStateStore, clock Clock, logger Logger) *SyncEngine {
	return &SyncEngine{store: store, clock: clock, logger: logger}
}

// CalculateSyncStart returns the start index for deviceID. The returned
// index is always usable; a non-nil error reports that the decision fell
// back to 1 because stored state could not be read.
func (e *SyncEngine) CalculateSyncStart(ctx context.Context, deviceID string, currentTotal uint16) (int, error) {
	state, err := e.store.GetSyncState(ctx, deviceID)
	if err != nil {
		return 1, fmt.Errorf("reading sync state: %w", err)
	}
	newest, err := e.store.LatestHistoryTimestamp(ctx, deviceID)
	if err != nil {
		return 1, fmt.Errorf("reading newest history timestamp: %w", err)
	}
	start := DecideSyncStart(state, newest, currentTotal, e.clock.Now())
	e.logger.Debug("sync start calculated", "device", deviceID, "total", currentTotal, "start", start)
	return start, nil
}

// Commit records that everything up to total has been stored.
func (e *SyncEngine) Commit(ctx context.Context, deviceID string, total uint16) {
	if err := e.store.UpdateSyncState(ctx, deviceID, total, total, e.clock.Now()); err != nil {
		e.logger.Warn("sync state not saved, next sync will start over", "device", deviceID, "error", err)
	}
}
