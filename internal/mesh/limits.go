package mesh

import (
	"time"

	"golang.org/x/time/rate"
)

// Limits bounds the work a coordinator does for one object.
type Limits struct {
	// Requester side.
	MaxRequestsPerRemote      int
	MaxPendingOps             int
	MinRequestedOps           int
	RequestTimeout            time.Duration
	LiteralArrivalTimeout     time.Duration
	MaxSavedCancelledRequests int
	MaxLiteralsPerRequest     int
	MaxHistoryPerRequest      int

	// Server side.
	MaxOpsToRequest        int
	MaxLiteralsPerResponse int
	MaxHistoryPerResponse  int
	MaxBacktrackPerDelta   int
	LiteralBatchSize       int
	StreamInterval         time.Duration
	MaxAllowedOmissions    int
	MaxQueuedResponses     int
	RequestRate            rate.Limit
	RequestBurst           int

	// SweepInterval paces timeout checks and re-planning.
	SweepInterval time.Duration
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxRequestsPerRemote:      2,
		MaxPendingOps:             1024,
		MinRequestedOps:           128,
		RequestTimeout:            32 * time.Second,
		LiteralArrivalTimeout:     16 * time.Second,
		MaxSavedCancelledRequests: 64,
		MaxLiteralsPerRequest:     512,
		MaxHistoryPerRequest:      1024,

		MaxOpsToRequest:        512,
		MaxLiteralsPerResponse: 1024,
		MaxHistoryPerResponse:  1024,
		MaxBacktrackPerDelta:   512,
		LiteralBatchSize:       256,
		StreamInterval:         100 * time.Millisecond,
		MaxAllowedOmissions:    2048,
		MaxQueuedResponses:     8,
		RequestRate:            rate.Limit(20),
		RequestBurst:           10,

		SweepInterval: 5 * time.Second,
	}
}
