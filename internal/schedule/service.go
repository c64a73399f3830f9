package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"slotcal/internal/calendar"
	appLog "slotcal/internal/log"
	"slotcal/internal/metrics"
	"slotcal/internal/model"
	"slotcal/internal/origami"
	"slotcal/internal/slots"
)

// Status is the lifecycle state of the template set.
type Status string

const (
	// StatusLoading: no fetch has completed yet.
	StatusLoading Status = "loading"
	// StatusReady: the last fetch succeeded. Zero templates is still ready.
	StatusReady Status = "ready"
	// StatusError: the last fetch failed. Templates from an earlier
	// success, if any, are kept.
	StatusError Status = "error"
)

// Snapshot is an immutable view of the template set and its state.
type Snapshot struct {
	Status    Status
	Templates []model.SlotTemplate
	FetchedAt time.Time
	Err       string
	Hint      string
}

// Fetcher returns the raw upstream payload.
type Fetcher interface {
	FetchRecords(ctx context.Context) ([]byte, error)
}

// Parser normalizes a payload into templates.
type Parser interface {
	ParseJSON(body []byte) []model.SlotTemplate
}

// defaultRefreshTimeout bounds a shared refresh when Options.RefreshTimeout is unset.
const defaultRefreshTimeout = 60 * time.Second

// Options configures a Service.
type Options struct {
	Location  *time.Location
	WeekStart time.Weekday
	Metrics   *metrics.Manager
	// RefreshTimeout bounds one shared refresh, independent of any caller.
	RefreshTimeout time.Duration
	// Now overrides the clock (tests).
	Now func() time.Time
}

// Service holds the current template set and expands it on demand.
// Readers never observe a partially installed set: refresh swaps the whole
// snapshot pointer.
type Service struct {
	fetcher   Fetcher
	parser    Parser
	loc       *time.Location
	weekStart time.Weekday
	metrics   *metrics.Manager
	now       func() time.Time
	timeout   time.Duration

	snap  atomic.Pointer[Snapshot]
	group singleflight.Group
}

// NewService creates a Service in the loading state.
func NewService(f Fetcher, p Parser, opts Options) *Service {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = defaultRefreshTimeout
	}
	s := &Service{
		fetcher:   f,
		parser:    p,
		loc:       opts.Location,
		weekStart: opts.WeekStart,
		metrics:   opts.Metrics,
		now:       opts.Now,
		timeout:   opts.RefreshTimeout,
	}
	s.snap.Store(&Snapshot{Status: StatusLoading})
	return s
}

// Location returns the display location.
func (s *Service) Location() *time.Location {
	return s.loc
}

// Now returns the service clock in the display location.
func (s *Service) Now() time.Time {
	return s.now().In(s.loc)
}

// Snapshot returns the current snapshot. Callers must treat it as read-only.
func (s *Service) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Refresh fetches and normalizes the upstream payload and installs the
// result. Concurrent calls share one upstream request. The shared request is
// detached from ctx: a caller that gives up returns ctx.Err() with the
// current snapshot, while the fetch continues for the others. The returned
// snapshot reflects the outcome; the error is the fetch failure, if any.
func (s *Service) Refresh(ctx context.Context) (*Snapshot, error) {
	ch := s.group.DoChan("refresh", func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		return s.refresh(runCtx)
	})

	select {
	case res := <-ch:
		if res.Shared {
			appLog.Debug("schedule: refresh shared with in-flight call")
		}
		snap, _ := res.Val.(*Snapshot)
		if snap == nil {
			snap = s.Snapshot()
		}
		return snap, res.Err
	case <-ctx.Done():
		return s.Snapshot(), ctx.Err()
	}
}

func (s *Service) refresh(ctx context.Context) (*Snapshot, error) {
	started := time.Now()
	body, err := s.fetcher.FetchRecords(ctx)
	elapsed := time.Since(started)

	if err != nil {
		s.metrics.RecordFetch(metrics.ResultError, elapsed)
		prev := s.Snapshot()
		next := &Snapshot{
			Status:    StatusError,
			Templates: prev.Templates,
			FetchedAt: prev.FetchedAt,
			Err:       err.Error(),
		}
		var ue *origami.UpstreamError
		if errors.As(err, &ue) {
			next.Err = ue.Message
			next.Hint = ue.Hint
		}
		s.snap.Store(next)
		appLog.Error("schedule: refresh failed", err, "kept_templates", len(prev.Templates), "elapsed", elapsed)
		return next, err
	}

	templates := s.parser.ParseJSON(body)
	next := &Snapshot{
		Status:    StatusReady,
		Templates: templates,
		FetchedAt: s.now(),
	}
	s.snap.Store(next)
	s.metrics.RecordFetch(metrics.ResultOK, elapsed)
	s.metrics.SetTemplates(len(templates), next.FetchedAt)

	appLog.Info("schedule: templates refreshed", "templates", len(templates), "bytes", len(body), "elapsed", elapsed)
	return next, nil
}

// Window describes one expanded view.
type Window struct {
	View  calendar.View
	Date  time.Time
	Start time.Time
	End   time.Time
	Prev  time.Time
	Next  time.Time
	Slots []model.Slot
	// Snapshot is the template set the slots were expanded from.
	Snapshot *Snapshot
}

// Slots expands the current templates over the view window around date.
// Slots are recomputed on every call.
func (s *Service) Slots(view calendar.View, date time.Time) Window {
	date = date.In(s.loc)
	start, end := calendar.Window(view, date, s.weekStart, s.loc)
	snap := s.Snapshot()
	out := slots.Expand(snap.Templates, start, end, s.loc)
	s.metrics.RecordExpansion(len(out))

	return Window{
		View:     view,
		Date:     date,
		Start:    start,
		End:      end,
		Prev:     calendar.Step(view, date, -1),
		Next:     calendar.Step(view, date, 1),
		Slots:    out,
		Snapshot: snap,
	}
}

// Range expands the current templates over an explicit inclusive range.
func (s *Service) Range(from, to time.Time) []model.Slot {
	out := slots.Expand(s.Snapshot().Templates, from, to, s.loc)
	s.metrics.RecordExpansion(len(out))
	return out
}

var _ Fetcher = (*origami.Client)(nil)
var _ Parser = (*origami.Parser)(nil)
