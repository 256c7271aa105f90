package realtime

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const defaultCatchUpPage = 500

// Coordinator runs the per-session catch-up state machine.
//
// A session starts CATCHING_UP. Every sync request (connect, explicit sync,
// live gap) reads the visible log after an offset, pinned to the HighWater of
// the first page, delivers it as catch_up_batch events, then drains records
// that arrived live meanwhile and goes LIVE.
type Coordinator struct {
	log      *slog.Logger
	store    LogStore
	pageSize int
}

// NewCoordinator constructs a Coordinator. pageSize <= 0 uses the default.
func NewCoordinator(log *slog.Logger, store LogStore, pageSize int) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	if pageSize <= 0 {
		pageSize = defaultCatchUpPage
	}
	return &Coordinator{log: log, store: store, pageSize: pageSize}
}

// Run serves the session's sync requests until the session closes or ctx ends.
func (c *Coordinator) Run(ctx context.Context, sess *Session) {
	for {
		for {
			req, ok := sess.nextRequest()
			if !ok {
				break
			}
			if err := c.handle(ctx, sess, req); err != nil {
				if errors.Is(err, ErrSessionGone) || ctx.Err() != nil {
					return
				}
				c.log.Error("sync.fail", "session_id", sess.ConnID, "identity", sess.Identity(), "err", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			return
		case <-sess.notify:
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, sess *Session, req syncRequest) error {
	sess.beginCatchUp()

	after := req.after
	hw, vis, err := c.catchUp(ctx, sess, req, after)

	var rangeErr *RangeExhaustedError
	if errors.As(err, &rangeErr) {
		if err := sess.enqueueWait(ctx, Event{Kind: EventSyncReset, Floor: rangeErr.Floor}); err != nil {
			return err
		}
		c.log.Info("sync.reset", "session_id", sess.ConnID, "requested", after, "floor", rangeErr.Floor)
		after = rangeErr.Floor
		hw, vis, err = c.catchUp(ctx, sess, req, after)
	}

	if err != nil {
		if errors.Is(err, ErrSessionGone) || ctx.Err() != nil {
			return err
		}
		c.log.Error("sync.catchup.fail", "session_id", sess.ConnID, "after", after, "err", err)
		if qerr := sess.enqueueWait(ctx, errorEvent("sync_failed", "catch-up failed; retry sync")); qerr != nil {
			return qerr
		}
		_, ferr := sess.finishCatchUp(0, nil, true)
		return ferr
	}

	_, err = sess.finishCatchUp(hw, vis, false)
	return err
}

// catchUp streams (after, HighWater] to the session and returns the HighWater
// together with the visibility the pages were read under.
func (c *Coordinator) catchUp(ctx context.Context, sess *Session, req syncRequest, after int64) (int64, *Visibility, error) {
	vis := sess.visibility()

	var (
		upTo int64
		sent int
	)
	for {
		start := time.Now()
		res, err := c.store.ReadRange(ctx, ReadRangeInput{
			After:      after,
			UpTo:       upTo,
			Visibility: vis,
			Limit:      c.pageSize,
		})
		metricStoreLatency.WithLabelValues("read_range").Observe(time.Since(start).Seconds())
		if err != nil {
			return 0, nil, err
		}
		if upTo == 0 {
			upTo = res.HighWater
		}

		// Gap fills only report what they found; connect and explicit sync
		// always answer with at least one batch.
		if len(res.Records) > 0 || (req.kind != syncGap && sent == 0) {
			ev := Event{
				Kind:      EventCatchUp,
				Records:   res.Records,
				Watermark: upTo,
				HasMore:   res.HasMore,
			}
			if err := sess.enqueueWait(ctx, ev); err != nil {
				return 0, nil, err
			}
			metricCatchUpRecords.Observe(float64(len(res.Records)))
			sent++
		}

		if !res.HasMore || len(res.Records) == 0 {
			return upTo, vis, nil
		}
		after = res.Records[len(res.Records)-1].Offset
	}
}
