// Package scheduler runs the attendance and birthday dispatch loops.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"unicontrol_bot/internal/bot"
	"unicontrol_bot/internal/filter"
	"unicontrol_bot/internal/metrics"
	"unicontrol_bot/internal/model"
	"unicontrol_bot/internal/storage"
)

// Sender delivers a formatted message and returns its message id.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) (int, error)
}

// Audience lists the active subscriptions notifications are delivered to.
type Audience interface {
	ListAllActive(ctx context.Context) ([]model.Subscription, error)
	ListActive(ctx context.Context, groupID int64) ([]model.Subscription, error)
	ListActiveByCode(ctx context.Context, code string) ([]model.Subscription, error)
}

// AttendanceSource returns attendance events of a group updated since a moment.
type AttendanceSource interface {
	AttendanceUpdates(ctx context.Context, groupID int64, since time.Time) ([]model.AttendanceEvent, error)
}

// Phase is the observable state of a dispatcher or one of its groups.
type Phase string

// Dispatcher phases.
const (
	PhaseIdle      Phase = "idle"
	PhaseFetching  Phase = "fetching"
	PhaseFanout    Phase = "fanout"
	PhaseWaiting   Phase = "waiting"
	PhaseTriggered Phase = "triggered"
	PhaseStopped   Phase = "stopped"
)

const initialLookback = 10 * time.Minute

// Result counts per-recipient outcomes of a dispatch.
type Result struct {
	Sent     int `json:"sent"`
	Skipped  int `json:"skipped"`
	Filtered int `json:"filtered"`
	Failed   int `json:"failed"`
}

func (r *Result) add(o outcome) {
	switch o {
	case outcomeSent, outcomeSentUnrecorded:
		r.Sent++
	case outcomeSkipped:
		r.Skipped++
	case outcomeFiltered:
		r.Filtered++
	case outcomeFailed:
		r.Failed++
	}
}

type outcome int

const (
	outcomeCanceled outcome = iota
	outcomeSent
	outcomeSentUnrecorded
	outcomeSkipped
	outcomeFiltered
	outcomeFailed
)

// Attendance polls the data source per academic group and fans events out to
// subscribed chats through the delivery ledger.
type Attendance struct {
	store    storage.Storage
	audience Audience
	source   AttendanceSource
	sender  Sender
	log     *slog.Logger
	tick    time.Duration
	overlap time.Duration
	workers int
	now     func() time.Time

	// inflight collapses concurrent deliveries of one event to one chat.
	inflight singleflight.Group

	mu          sync.Mutex
	checkpoints map[int64]time.Time
	phases      map[int64]Phase
	stopped     bool
}

// NewAttendance creates an attendance dispatcher with a 5-minute interval.
func NewAttendance(store storage.Storage, audience Audience, source AttendanceSource, sender Sender, log *slog.Logger) *Attendance {
	return &Attendance{
		store:       store,
		audience:    audience,
		source:      source,
		sender:      sender,
		log:         log,
		tick:        5 * time.Minute,
		workers:     1,
		now:         time.Now,
		checkpoints: make(map[int64]time.Time),
		phases:      make(map[int64]Phase),
	}
}

// SetTickInterval overrides the default 5-minute poll interval.
func (a *Attendance) SetTickInterval(d time.Duration) {
	a.tick = d
}

// SetOverlap makes every fetch re-read d before the group's checkpoint.
func (a *Attendance) SetOverlap(d time.Duration) {
	a.overlap = d
}

// SetWorkers bounds how many recipients of one event are served concurrently.
func (a *Attendance) SetWorkers(n int) {
	if n < 1 {
		n = 1
	}
	a.workers = n
}

// Run polls immediately and then on every tick, blocking until ctx is cancelled.
func (a *Attendance) Run(ctx context.Context) {
	a.PollOnce(ctx)

	ticker := time.NewTicker(a.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.mu.Lock()
			a.stopped = true
			a.mu.Unlock()
			a.log.Info("attendance dispatcher stopped")
			return
		case <-ticker.C:
			a.PollOnce(ctx)
		}
	}
}

// PollOnce runs a single poll cycle over every group with active subscriptions.
func (a *Attendance) PollOnce(ctx context.Context) {
	start := time.Now()
	log := a.log.With("cycle", uuid.NewString())

	subs, err := a.audience.ListAllActive(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error("list active subscriptions", "error", err)
		}
		return
	}

	groups := groupIDs(subs)
	log.Debug("attendance cycle", "groups", len(groups), "subscriptions", len(subs))

	for _, groupID := range groups {
		if ctx.Err() != nil {
			return
		}
		a.pollGroup(ctx, log, groupID)
	}

	metrics.PollDuration.Observe(time.Since(start).Seconds())
}

// Checkpoint returns the last processed time of a group.
func (a *Attendance) Checkpoint(groupID int64) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.checkpoints[groupID]
	return t, ok
}

// State returns the current phase of a group.
func (a *Attendance) State(groupID int64) Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return PhaseStopped
	}
	if p, ok := a.phases[groupID]; ok {
		return p
	}
	return PhaseIdle
}

// SendImmediate delivers one event to the active audience of a group without
// waiting for the next poll. It shares the ledger with the poll path.
func (a *Attendance) SendImmediate(ctx context.Context, groupCode string, ev model.AttendanceEvent) (Result, error) {
	subs, err := a.audience.ListActiveByCode(ctx, groupCode)
	if err != nil {
		return Result{}, err
	}

	log := a.log.With("group_code", groupCode, "event_id", ev.ID)
	res := a.deliver(ctx, log, "immediate", subs, ev)
	log.Info("immediate notification", "sent", res.Sent, "skipped", res.Skipped, "failed", res.Failed)
	return res, nil
}

func (a *Attendance) pollGroup(ctx context.Context, log *slog.Logger, groupID int64) {
	log = log.With("group_id", groupID)
	defer a.setPhase(groupID, PhaseIdle)

	since := a.since(groupID)
	a.setPhase(groupID, PhaseFetching)

	events, err := a.source.AttendanceUpdates(ctx, groupID, since)
	if err != nil {
		if ctx.Err() == nil {
			metrics.Polls.WithLabelValues("error").Inc()
			log.Error("fetch attendance updates", "since", since, "error", err)
		}
		return
	}
	metrics.Polls.WithLabelValues("ok").Inc()

	if len(events) == 0 {
		a.advance(groupID)
		return
	}

	// The audience is re-read after the fetch so changes made meanwhile apply.
	subs, err := a.audience.ListActive(ctx, groupID)
	if err != nil {
		if ctx.Err() == nil {
			log.Error("list group audience", "error", err)
		}
		return
	}

	a.setPhase(groupID, PhaseFanout)
	var total Result
	for _, ev := range events {
		if ctx.Err() != nil {
			return
		}
		res := a.deliver(ctx, log.With("event_id", ev.ID), "attendance", subs, ev)
		total.Sent += res.Sent
		total.Skipped += res.Skipped
		total.Failed += res.Failed
	}
	if ctx.Err() != nil {
		return
	}
	a.advance(groupID)

	if total.Sent > 0 || total.Failed > 0 {
		log.Info("attendance notifications", "events", len(events), "sent", total.Sent, "failed", total.Failed)
	}
}

// deliver fans one event out to the subscriptions of subs that want it.
// Recipients are isolated from each other: a failure for one never stops the rest.
func (a *Attendance) deliver(ctx context.Context, log *slog.Logger, kind string, subs []model.Subscription, ev model.AttendanceEvent) Result {
	audience := filter.Audience(subs, ev.Status)
	res := Result{Filtered: len(subs) - len(audience)}
	if res.Filtered > 0 {
		metrics.Deliveries.WithLabelValues(kind, metrics.OutcomeFiltered).Add(float64(res.Filtered))
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(a.workers)

	for _, sub := range audience {
		sub := sub
		g.Go(func() error {
			o := a.deliverOnce(ctx, log, sub, ev)
			if label := o.label(); label != "" {
				metrics.Deliveries.WithLabelValues(kind, label).Inc()
			}
			mu.Lock()
			res.add(o)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return res
}

// deliverOnce runs deliverOne for the (chat, event) pair unless another
// dispatch of the same pair is in flight, in which case it waits for that one
// and reports a sent message as skipped.
func (a *Attendance) deliverOnce(ctx context.Context, log *slog.Logger, sub model.Subscription, ev model.AttendanceEvent) outcome {
	key := strconv.FormatInt(sub.ChatID, 10) + ":" + strconv.FormatInt(ev.ID, 10)

	var ran bool
	v, _, _ := a.inflight.Do(key, func() (any, error) {
		ran = true
		return a.deliverOne(ctx, log, sub, ev), nil
	})
	o := v.(outcome)
	if !ran && (o == outcomeSent || o == outcomeSentUnrecorded) {
		log.Debug("delivered by a concurrent dispatch", "chat_id", sub.ChatID)
		return outcomeSkipped
	}
	return o
}

func (a *Attendance) deliverOne(ctx context.Context, log *slog.Logger, sub model.Subscription, ev model.AttendanceEvent) outcome {
	if ctx.Err() != nil {
		return outcomeCanceled
	}

	log = log.With("chat_id", sub.ChatID)

	sent, err := a.store.AlreadySent(ctx, sub.ChatID, ev.ID)
	if err != nil {
		if ctx.Err() != nil {
			return outcomeCanceled
		}
		log.Error("check delivery ledger", "error", err)
		return outcomeFailed
	}
	if sent {
		log.Debug("already delivered")
		return outcomeSkipped
	}

	groupCode := sub.GroupCode
	if groupCode == "" {
		groupCode = ev.GroupCode
	}
	msgID, err := a.sender.SendMessage(ctx, sub.ChatID, bot.FormatAttendance(ev, groupCode))
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return outcomeCanceled
		}
		log.Error("send attendance notification", "error", err)
		return outcomeFailed
	}

	rec := &model.DeliveryRecord{
		ChatID:      sub.ChatID,
		EventID:     ev.ID,
		Status:      ev.Status,
		StudentName: ev.StudentName,
		MessageID:   msgID,
		SentAt:      a.now(),
	}
	inserted, err := a.store.RecordSent(context.WithoutCancel(ctx), rec)
	if err != nil {
		log.Error("record delivery, the event may be sent again", "event_id", ev.ID, "message_id", msgID, "error", err)
		return outcomeSentUnrecorded
	}
	if !inserted {
		log.Warn("delivery recorded concurrently")
	}
	log.Info("attendance notification sent", "status", ev.Status, "message_id", msgID)
	return outcomeSent
}

func (o outcome) label() string {
	switch o {
	case outcomeSent:
		return metrics.OutcomeSent
	case outcomeSentUnrecorded:
		return metrics.OutcomeSentUnrecorded
	case outcomeSkipped:
		return metrics.OutcomeSkipped
	case outcomeFiltered:
		return metrics.OutcomeFiltered
	case outcomeFailed:
		return metrics.OutcomeFailed
	}
	return ""
}

func (a *Attendance) since(groupID int64) time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp, ok := a.checkpoints[groupID]
	if !ok {
		cp = a.now().Add(-initialLookback)
		a.checkpoints[groupID] = cp
	}
	return cp.Add(-a.overlap)
}

func (a *Attendance) advance(groupID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checkpoints[groupID] = a.now()
}

func (a *Attendance) setPhase(groupID int64, p Phase) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.phases[groupID] = p
}

// groupIDs returns the distinct group ids of subs in first-seen order.
// Subscriptions without a group id are dropped.
func groupIDs(subs []model.Subscription) []int64 {
	var ids []int64
	seen := make(map[int64]bool)
	for _, sub := range subs {
		if sub.GroupID == 0 || seen[sub.GroupID] {
			continue
		}
		seen[sub.GroupID] = true
		ids = append(ids, sub.GroupID)
	}
	return ids
}
