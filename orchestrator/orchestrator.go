package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nucosen/broadcast/config"
	"github.com/nucosen/broadcast/nicoapi"
	"github.com/nucosen/broadcast/telemetry"
)

// Fatal conditions that end the run. They indicate logically impossible
// state, not transient trouble, so the process exits and the supervisor
// restarts it.
var (
	// ErrSlotUnresolved: a reservation went through but no slot identifier
	// resolves afterwards.
	ErrSlotUnresolved = errors.New("no slot resolved after reservation")
	// ErrUnquotableCandidate: a queued video turns out non-quotable, which
	// means queue hygiene is broken upstream.
	ErrUnquotableCandidate = errors.New("queued candidate is not quotable")
)

// Viewer-facing messages.
const (
	recoveryMessage = "The broadcast halted unexpectedly and was restored by automatic recovery.\nSorry for the interruption; playback resumes shortly."
	closingMessage  = "This slot has ended.\nThank you for watching."
)

// State names the phase of the outer orchestration loop, exposed for the
// status endpoint.
type State string

const (
	StateEnsuringSlots State = "ensuring_slots"
	StateTriage        State = "quotation_triage"
	StateStreaming     State = "streaming"
	StateSlotEnded     State = "slot_ended"
)

// Status is a point-in-time snapshot of the orchestrator for observation.
type Status struct {
	State       State     `json:"state"`
	CurrentSlot string    `json:"current_slot,omitempty"`
	NextSlot    string    `json:"next_slot,omitempty"`
	QuotedVideo string    `json:"quoted_video,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Orchestrator is the single-threaded control loop. Construct with New; all
// collaborators are required.
type Orchestrator struct {
	cfg      *config.Config
	quote    Quoter
	live     LiveController
	queue    Queue
	selector Selector
	clock    Clock

	reserveReq nicoapi.ReserveRequest

	mu     sync.RWMutex
	status Status
}

// New wires an orchestrator from its collaborators and configuration.
func New(cfg *config.Config, quote Quoter, live LiveController, queue Queue, selector Selector, clk Clock) *Orchestrator {
	telemetry.Init()
	return &Orchestrator{
		cfg:      cfg,
		quote:    quote,
		live:     live,
		queue:    queue,
		selector: selector,
		clock:    clk,
		reserveReq: nicoapi.ReserveRequest{
			Category:    cfg.Category,
			CommunityID: cfg.CommunityID,
			Tags:        cfg.Tags,
		},
	}
}

// Status returns the current snapshot.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

func (o *Orchestrator) setStatus(mutate func(*Status)) {
	o.mu.Lock()
	mutate(&o.status)
	o.status.UpdatedAt = o.clock.Now()
	o.mu.Unlock()
}

// Run executes the outer loop until the context is cancelled or a fatal
// error occurs. Fatal errors are returned to the caller; there is no
// automatic restart of the whole run.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		corr := uuid.New().String()
		iterCtx := telemetry.WithCorrelation(ctx, corr)
		var err error
		telemetry.TimeFunc(telemetry.IterationDuration, func() {
			err = o.iterate(iterCtx)
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			return fmt.Errorf("orchestration iteration %s: %w", corr, err)
		}
	}
}

// iterate runs one pass of the state machine: ensure slots, triage the
// existing quotation state, then stream until the slot's end is imminent.
func (o *Orchestrator) iterate(ctx context.Context) error {
	logger := telemetry.LoggerWithCorr(ctx)

	ctx, span := telemetry.StartSpan(ctx, "broadcast", "iteration")
	defer span.End()

	pair, err := o.ensureSlots(ctx, logger)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	span.SetAttributes(attribute.String("slot.current", pair.CurrentID))

	skipStreaming, err := o.triage(ctx, logger, &pair)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	if skipStreaming {
		telemetry.SetSpanSuccess(span)
		return nil
	}

	if err := o.stream(ctx, logger, pair.CurrentID); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	o.setStatus(func(s *Status) { s.State = StateSlotEnded; s.QuotedVideo = "" })
	logger.Info("slot finished", slog.String("live_id", pair.CurrentID))
	telemetry.SetSpanSuccess(span)
	return nil
}

// ensureSlots guarantees a resolvable current slot and a reserved next one.
// When nothing is on air it reserves, waits out the start time, and
// re-queries; with a current slot but no next it reserves without blocking.
func (o *Orchestrator) ensureSlots(ctx context.Context, logger *slog.Logger) (nicoapi.LivePair, error) {
	o.setStatus(func(s *Status) { s.State = StateEnsuringSlots })
	logger.Debug("securing current and next slot")

	pair, err := o.live.Lives(ctx)
	if err != nil {
		return nicoapi.LivePair{}, err
	}
	switch {
	case pair.CurrentID == "":
		if pair.NextID == "" {
			logger.Warn("no slot detected, reserving")
			if err := o.reserve(ctx, logger); err != nil {
				return nicoapi.LivePair{}, err
			}
			if pair, err = o.live.Lives(ctx); err != nil {
				return nicoapi.LivePair{}, err
			}
		}
		upcoming := pair.CurrentID
		if upcoming == "" {
			upcoming = pair.NextID
		}
		if upcoming == "" {
			return nicoapi.LivePair{}, ErrSlotUnresolved
		}
		begin, err := o.live.StartTime(ctx, upcoming)
		if err != nil {
			return nicoapi.LivePair{}, err
		}
		if err := o.clock.WaitUntil(ctx, begin); err != nil {
			return nicoapi.LivePair{}, err
		}
	case pair.NextID == "":
		if err := o.reserve(ctx, logger); err != nil {
			return nicoapi.LivePair{}, err
		}
	}

	pair, err = o.resolvedLives(ctx)
	if err != nil {
		return nicoapi.LivePair{}, err
	}
	o.setStatus(func(s *Status) {
		s.CurrentSlot = pair.CurrentID
		s.NextSlot = pair.NextID
	})
	logger.Info("slots secured",
		slog.String("current", pair.CurrentID),
		slog.String("next", pair.NextID))
	return pair, nil
}

// resolvedLives re-queries the slot pair and requires a live current slot.
func (o *Orchestrator) resolvedLives(ctx context.Context) (nicoapi.LivePair, error) {
	pair, err := o.live.Lives(ctx)
	if err != nil {
		return nicoapi.LivePair{}, err
	}
	if pair.CurrentID == "" {
		return nicoapi.LivePair{}, ErrSlotUnresolved
	}
	return pair, nil
}

func (o *Orchestrator) reserve(ctx context.Context, logger *slog.Logger) error {
	telemetry.SlotsReserved.Inc()
	if err := o.live.Reserve(ctx, o.reserveReq); err != nil {
		return fmt.Errorf("reserve slot: %w", err)
	}
	logger.Debug("reservation issued", slog.String("community", o.reserveReq.CommunityID))
	return nil
}

// triage classifies the slot's active quotation into exactly one of four
// cases before streaming begins. The classification is a one-shot decision
// for the iteration. The returned flag is true when the closing-marker path
// consumed the iteration and streaming must be skipped.
func (o *Orchestrator) triage(ctx context.Context, logger *slog.Logger, pair *nicoapi.LivePair) (bool, error) {
	o.setStatus(func(s *Status) { s.State = StateTriage })
	logger.Debug("classifying existing quotation state")

	currentEnd, err := o.live.EndTime(ctx, pair.CurrentID)
	if err != nil {
		return false, err
	}
	active, err := o.quote.Current(ctx, pair.CurrentID)
	if err != nil {
		return false, err
	}

	switch active {
	case "":
		// Nothing running; proceed straight to streaming.
		return false, nil

	case o.cfg.MaintenanceVideoID:
		logger.Info("maintenance marker active, re-asserting", slog.String("live_id", pair.CurrentID))
		if err := o.quote.Stop(ctx, pair.CurrentID); err != nil {
			return false, err
		}
		if _, err := o.quote.Once(ctx, pair.CurrentID, o.cfg.MaintenanceVideoID); err != nil {
			return false, err
		}
		return false, nil

	case o.cfg.ClosingVideoID:
		logger.Info("closing marker active, rolling over to the next slot", slog.String("live_id", pair.CurrentID))
		nextBegin, err := o.live.StartTime(ctx, pair.NextID)
		if err != nil {
			return false, err
		}
		if err := o.clock.WaitUntil(ctx, currentEnd); err != nil {
			return false, err
		}
		if err := o.reserve(ctx, logger); err != nil {
			return false, err
		}
		if err := o.clock.WaitUntil(ctx, nextBegin); err != nil {
			return false, err
		}
		if *pair, err = o.resolvedLives(ctx); err != nil {
			return false, err
		}
		// The rollover consumed this iteration; the outer loop re-enters
		// with fresh slot state.
		return true, nil

	default:
		// The orchestrator never leaves an arbitrary quotation running, so
		// finding one means a previous run died mid-flight. Heal it loudly.
		telemetry.AnomaliesHealed.Inc()
		logger.Error("foreign quotation detected, healing",
			slog.String("live_id", pair.CurrentID),
			slog.String("video_id", active))
		if err := o.quote.Stop(ctx, pair.CurrentID); err != nil {
			return false, err
		}
		span, err := o.quote.Once(ctx, pair.CurrentID, o.cfg.MaintenanceVideoID)
		if err != nil {
			return false, err
		}
		if err := o.live.ShowMessage(ctx, pair.CurrentID, recoveryMessage, false); err != nil {
			return false, err
		}
		if err := o.clock.WaitUntil(ctx, o.clock.Now().Add(span)); err != nil {
			return false, err
		}
		return false, nil
	}
}

// stream is the inner loop: pick a candidate, verify it fits before the
// slot's end margin, quote it, and wait out its duration. It exits when a
// candidate no longer fits, after switching the slot to the closing marker.
func (o *Orchestrator) stream(ctx context.Context, logger *slog.Logger, liveID string) error {
	o.setStatus(func(s *Status) { s.State = StateStreaming })
	logger.Info("broadcast ready", slog.String("live_id", liveID))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		videoID, err := o.nextCandidate(ctx, logger)
		if err != nil {
			return err
		}

		slotEnd, err := o.live.EndTime(ctx, liveID)
		if err != nil {
			return err
		}
		info, err := o.quote.VideoInfo(ctx, videoID)
		if err != nil {
			return err
		}
		if !info.Quotable {
			// Filtered before it ever reached the queue, so this is a
			// queue-hygiene bug that must surface, not be skipped over.
			return fmt.Errorf("%w: video %s in slot %s", ErrUnquotableCandidate, videoID, liveID)
		}

		if o.clock.Now().Add(info.Duration).After(slotEnd.Add(-o.cfg.EndMargin)) {
			logger.Info("candidate cannot finish before slot end, closing",
				slog.String("video_id", videoID),
				slog.Duration("duration", info.Duration),
				slog.Time("slot_end", slotEnd))
			telemetry.QuoteAborts.Inc()
			if err := o.queue.PriorityEnqueue(ctx, videoID); err != nil {
				return err
			}
			if err := o.quote.Loop(ctx, liveID, o.cfg.ClosingVideoID); err != nil {
				return err
			}
			if err := o.live.ShowMessage(ctx, liveID, closingMessage, true); err != nil {
				return err
			}
			return o.clock.WaitUntil(ctx, slotEnd)
		}

		logger.Info("starting quotation",
			slog.String("live_id", liveID),
			slog.String("video_id", videoID),
			slog.Duration("duration", info.Duration))
		if _, err := o.quote.Once(ctx, liveID, videoID); err != nil {
			return err
		}
		telemetry.QuotesStarted.Inc()
		o.setStatus(func(s *Status) { s.QuotedVideo = videoID })
		if err := o.live.ShowMessage(ctx, liveID, info.Caption, false); err != nil {
			return err
		}
		if err := o.clock.WaitUntil(ctx, o.clock.Now().Add(info.Duration)); err != nil {
			return err
		}
		logger.Debug("quotation expected to have finished", slog.String("video_id", videoID))
	}
}

// nextCandidate drains the queue, refilling it from the pending viewer
// requests when empty. With no requests, or when the weighted draw yields no
// winner, it falls back to random selection exactly once.
func (o *Orchestrator) nextCandidate(ctx context.Context, logger *slog.Logger) (string, error) {
	videoID, err := o.queue.Dequeue(ctx)
	if err != nil {
		return "", err
	}
	if videoID != "" {
		return videoID, nil
	}

	logger.Debug("queue drained, refilling")
	batch, err := o.queue.GetAndResetRequests(ctx)
	if err != nil {
		return "", err
	}
	if len(batch) == 0 {
		telemetry.SelectionFallbacks.Inc()
		return o.selector.RandomSelection(ctx, o.cfg.RequestTags, o.cfg.DisallowedTags)
	}

	winners := o.selector.ChoiceFromRequests(batch, o.cfg.MaxBatchWinner)
	if len(winners) == 0 {
		logger.Error("weighted selection yielded no winner", slog.Int("batch_size", len(batch)))
		telemetry.SelectionFallbacks.Inc()
		return o.selector.RandomSelection(ctx, o.cfg.RequestTags, o.cfg.DisallowedTags)
	}

	videoID = winners[len(winners)-1]
	if rest := winners[:len(winners)-1]; len(rest) > 0 {
		if err := o.queue.EnqueueList(ctx, rest); err != nil {
			return "", err
		}
	}
	return videoID, nil
}
