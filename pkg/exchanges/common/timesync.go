package common

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TimeSync manages time synchronization with an exchange server.
type TimeSync struct {
	getServerTime func(ctx context.Context) (int64, error) // unix millis
	offset        int64                                    // milliseconds offset (server - local)
	lastSync      time.Time
	syncInterval  time.Duration
	log           zerolog.Logger
	mu            sync.RWMutex
}

// NewTimeSync creates a new time synchronization manager.
func NewTimeSync(getServerTime func(ctx context.Context) (int64, error), log zerolog.Logger) *TimeSync {
	return &TimeSync{
		getServerTime: getServerTime,
		syncInterval:  30 * time.Minute,
		log:           log,
	}
}

// Start runs an initial sync and then resyncs periodically until ctx is done.
func (ts *TimeSync) Start(ctx context.Context) {
	if err := ts.Sync(ctx); err != nil {
		ts.log.Warn().Err(err).Msg("initial time sync failed")
	}

	go func() {
		ticker := time.NewTicker(ts.syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ts.Sync(ctx); err != nil {
					ts.log.Warn().Err(err).Msg("time sync failed")
				}
			}
		}
	}()
}

// Sync synchronizes with server time.
func (ts *TimeSync) Sync(ctx context.Context) error {
	localBefore := time.Now().UnixMilli()
	serverTime, err := ts.getServerTime(ctx)
	if err != nil {
		return err
	}
	localAfter := time.Now().UnixMilli()

	// Assume network latency is symmetric
	localTime := localBefore + (localAfter-localBefore)/2

	ts.mu.Lock()
	ts.offset = serverTime - localTime
	ts.lastSync = time.Now()
	ts.mu.Unlock()

	ts.log.Debug().Int64("offset_ms", ts.offset).Msg("time synced")
	return nil
}

// Now returns current time adjusted for server offset.
func (ts *TimeSync) Now() time.Time {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return time.Now().Add(time.Duration(ts.offset) * time.Millisecond)
}

// Offset returns the current time offset in milliseconds.
func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}
