// Package orchestrator contains the orchestration state machine that keeps a
// continuous live broadcast running: it maintains slot continuity, repairs
// anomalous quotation state, and fills broadcast time from the request queue.
package orchestrator

import (
	"context"
	"time"

	"github.com/nucosen/broadcast/nicoapi"
)

// RequestBatch is a snapshot of pending viewer requests: video id to request
// count. Its lifecycle is owned by the queue; the orchestrator reads one
// snapshot per refill and writes unused winners back.
type RequestBatch map[string]int

// Queue is the external request-queue collaborator.
type Queue interface {
	// Dequeue returns the next queued video id, or empty when the queue is
	// drained.
	Dequeue(ctx context.Context) (string, error)
	// GetAndResetRequests atomically takes the pending request snapshot,
	// or nil when no requests accumulated.
	GetAndResetRequests(ctx context.Context) (RequestBatch, error)
	// EnqueueList appends ids at normal priority.
	EnqueueList(ctx context.Context, ids []string) error
	// PriorityEnqueue puts the id at the front, ahead of normal entries.
	PriorityEnqueue(ctx context.Context, id string) error
}

// Selector is the external candidate-selection collaborator.
type Selector interface {
	// ChoiceFromRequests draws up to max weighted winners from the batch;
	// empty means no eligible candidate.
	ChoiceFromRequests(batch RequestBatch, max int) []string
	// RandomSelection picks an unconstrained candidate matching the tag
	// filters, excluding disallowed tags.
	RandomSelection(ctx context.Context, tags, disallowedTags []string) (string, error)
}

// Quoter drives the quotation subsystem of a live slot.
type Quoter interface {
	Current(ctx context.Context, liveID string) (string, error)
	Stop(ctx context.Context, liveID string) error
	Once(ctx context.Context, liveID, videoID string) (time.Duration, error)
	Loop(ctx context.Context, liveID, videoID string) error
	VideoInfo(ctx context.Context, videoID string) (nicoapi.VideoInfo, error)
}

// LiveController drives slot discovery, reservation, timing, and messages.
type LiveController interface {
	Lives(ctx context.Context) (nicoapi.LivePair, error)
	Reserve(ctx context.Context, req nicoapi.ReserveRequest) error
	StartTime(ctx context.Context, liveID string) (time.Time, error)
	EndTime(ctx context.Context, liveID string) (time.Time, error)
	ShowMessage(ctx context.Context, liveID, text string, permanent bool) error
}

// Clock abstracts wall-clock reads and blocking waits so tests can run the
// state machine without real sleeps.
type Clock interface {
	Now() time.Time
	WaitUntil(ctx context.Context, t time.Time) error
}
