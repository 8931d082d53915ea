// Package dispatch runs campaigns: one sequential loop per running campaign,
// and the supervisor that starts, pauses, resumes and deletes them.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"blast/internal/content"
	"blast/internal/domain"
	"blast/internal/errorlog"
	"blast/internal/observability"
	"blast/internal/pacing"
	"blast/internal/progress"
	"blast/internal/rotation"
	"blast/internal/store"
	"blast/internal/transport"
	"blast/internal/util"
)

var ErrNoEndpoints = errors.New("campaign has no endpoints")

type ResumeMode string

const (
	// ResumeSkipAttempted skips recipients that already have a sent or failed
	// record for the campaign.
	ResumeSkipAttempted ResumeMode = "skip_attempted"
	// ResumeReplay walks the whole audience again on every run.
	ResumeReplay ResumeMode = "replay"
)

func ParseResumeMode(s string) (ResumeMode, error) {
	switch ResumeMode(s) {
	case "", ResumeSkipAttempted:
		return ResumeSkipAttempted, nil
	case ResumeReplay:
		return ResumeReplay, nil
	}
	return "", fmt.Errorf("unknown resume mode %q", s)
}

type Store interface {
	GetCampaign(ctx context.Context, id string) (domain.Campaign, error)
	GetCampaignStatus(ctx context.Context, id string) (domain.CampaignStatus, error)
	SetTotalContacts(ctx context.Context, id string, total int) error
	IncrementCounters(ctx context.Context, id string, sent, failed int) (domain.Counters, error)
	FinishCampaign(ctx context.Context, in store.CampaignFinish) (bool, error)
	InsertSendRecord(ctx context.Context, in store.SendRecordInsert) error
	UpdateSendRecord(ctx context.Context, in store.SendRecordUpdate) error
	AttemptedContacts(ctx context.Context, campaignID string) (map[string]bool, error)
	GetEndpoint(ctx context.Context, id string) (domain.Endpoint, error)
}

type Resolver interface {
	Resolve(ctx context.Context, t domain.Targeting) ([]domain.Recipient, error)
}

// Runner executes one campaign run. Its dependencies are fixed at
// construction; a Runner is safe to share between concurrent runs.
type Runner struct {
	Store     Store
	Resolver  Resolver
	Transport transport.Sender
	Planner   *content.Planner
	Events    progress.Publisher
	ErrorLog  *errorlog.Log
	Log       *slog.Logger

	// Defaults fill pacing fields a campaign leaves at zero.
	Defaults   domain.Pacing
	ResumeMode ResumeMode
	WarmUp     time.Duration
	Sleep      func(ctx context.Context, d time.Duration) error
	Rand       func() float64
}

type outcome string

const (
	outcomeCompleted   outcome = "completed"
	outcomeStopped     outcome = "stopped"
	outcomeInterrupted outcome = "interrupted"
	outcomeFailed      outcome = "failed"
)

// Run drives campaignID until it completes, is paused or deleted, fails, or
// ctx is cancelled. Only fatal errors are returned; a cancelled ctx leaves the
// campaign status untouched so the run can be recovered later.
func (r *Runner) Run(ctx context.Context, campaignID string) error {
	log := r.logger().With("campaign_id", campaignID)

	out, err := r.run(ctx, campaignID, log)
	if err != nil && ctx.Err() != nil {
		out, err = outcomeInterrupted, nil
	}
	if err != nil {
		out = outcomeFailed
		r.fail(ctx, campaignID, err, log)
	}
	if out == outcomeStopped {
		r.publish(ctx, progress.KindStopped, campaignID, r.counters(ctx, campaignID, log), "")
	}
	observability.CampaignRuns.WithLabelValues(string(out)).Inc()
	log.Info("campaign run finished", "outcome", string(out))
	return err
}

func (r *Runner) run(ctx context.Context, id string, log *slog.Logger) (outcome, error) {
	c, err := r.Store.GetCampaign(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return outcomeStopped, nil
		}
		return "", fmt.Errorf("load campaign: %w", err)
	}
	if c.Status != domain.StatusRunning {
		return outcomeStopped, nil
	}

	pc := c.Pacing.WithDefaults(r.Defaults)
	policy := pacing.Policy{MinDelay: pc.MinDelay, MaxDelay: pc.MaxDelay, RotationDelay: pc.RotationDelay, Rand: r.Rand}

	recipients, err := r.Resolver.Resolve(ctx, c.Targeting)
	if err != nil {
		return "", fmt.Errorf("resolve audience: %w", err)
	}
	if err := r.Store.SetTotalContacts(ctx, id, len(recipients)); err != nil {
		return "", fmt.Errorf("set total contacts: %w", err)
	}
	if len(recipients) == 0 {
		return r.complete(ctx, id, log)
	}
	if len(c.Endpoints) == 0 {
		return "", ErrNoEndpoints
	}

	todo := recipients
	if r.ResumeMode != ResumeReplay {
		attempted, err := r.Store.AttemptedContacts(ctx, id)
		if err != nil {
			return "", fmt.Errorf("load attempted contacts: %w", err)
		}
		if len(attempted) > 0 {
			todo = make([]domain.Recipient, 0, len(recipients))
			for _, rc := range recipients {
				if !attempted[rc.ContactID] {
					todo = append(todo, rc)
				}
			}
			log.Info("skipping already attempted recipients", "skipped", len(recipients)-len(todo))
		}
	}
	if len(todo) == 0 {
		return r.complete(ctx, id, log)
	}

	r.warnDisconnected(ctx, c.Endpoints, log)
	log.Info("campaign run starting",
		"recipients", len(todo),
		"endpoints", len(c.Endpoints),
		"max_per_endpoint", pc.MaxPerEndpoint,
	)

	if err := r.sleep(ctx, r.warmUp()); err != nil {
		return outcomeInterrupted, nil
	}

	rot := rotation.New(c.Endpoints, pc.MaxPerEndpoint)
	for i, rc := range todo {
		endpointID, _, switched := rot.Next()
		if switched {
			observability.Rotations.Inc()
			log.Debug("rotating endpoint", "endpoint_id", endpointID)
			if err := r.sleep(ctx, policy.SwitchDelay()); err != nil {
				return outcomeInterrupted, nil
			}
		}

		status, err := r.Store.GetCampaignStatus(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			return outcomeStopped, nil
		}
		if err != nil {
			return "", fmt.Errorf("poll status: %w", err)
		}
		if status != domain.StatusRunning {
			log.Info("campaign no longer running", "status", string(status))
			return outcomeStopped, nil
		}

		if err := r.sendOne(ctx, c, endpointID, rc, log); err != nil {
			return "", err
		}

		if i < len(todo)-1 {
			if err := r.sleep(ctx, policy.NextDelay()); err != nil {
				return outcomeInterrupted, nil
			}
		}
	}
	return r.complete(ctx, id, log)
}

// sendOne attempts one recipient. Transport and content errors are recorded
// and swallowed; the returned error is always a store failure.
func (r *Runner) sendOne(ctx context.Context, c domain.Campaign, endpointID string, rc domain.Recipient, log *slog.Logger) error {
	recID := util.NewID("sr")
	if err := r.Store.InsertSendRecord(ctx, store.SendRecordInsert{
		ID:         recID,
		CampaignID: c.ID,
		ContactID:  rc.ContactID,
		EndpointID: endpointID,
		Now:        util.NowUTC(),
	}); err != nil {
		return fmt.Errorf("insert send record: %w", err)
	}

	kind := "unknown"
	if c.Message != nil {
		kind = string(c.Message.Kind())
	}

	start := time.Now()
	sendErr := r.deliver(ctx, c.Message, endpointID, rc)
	observability.SendLatency.Observe(time.Since(start).Seconds())

	if sendErr != nil {
		if ctx.Err() != nil {
			// shutdown mid-send: the pending record is retried after recovery
			return ctx.Err()
		}
		observability.Sends.WithLabelValues("failed", kind).Inc()
		if err := r.Store.UpdateSendRecord(ctx, store.SendRecordUpdate{
			ID:     recID,
			Status: domain.SendFailed,
			Error:  sendErr.Error(),
			Now:    util.NowUTC(),
		}); err != nil {
			return fmt.Errorf("mark send record failed: %w", err)
		}
		r.ErrorLog.Record(ctx, errorlog.Entry{
			CampaignID:  c.ID,
			RecipientID: rc.ContactID,
			EndpointID:  endpointID,
			Err:         sendErr,
		})
		log.Warn("send failed",
			"contact_id", rc.ContactID,
			"endpoint_id", endpointID,
			"not_connected", errors.Is(sendErr, transport.ErrNotConnected),
			"err", sendErr,
		)
		if _, err := r.Store.IncrementCounters(ctx, c.ID, 0, 1); err != nil {
			return fmt.Errorf("increment failed count: %w", err)
		}
		return nil
	}

	observability.Sends.WithLabelValues("sent", kind).Inc()
	if err := r.Store.UpdateSendRecord(ctx, store.SendRecordUpdate{
		ID:     recID,
		Status: domain.SendSent,
		Now:    util.NowUTC(),
	}); err != nil {
		return fmt.Errorf("mark send record sent: %w", err)
	}
	counters, err := r.Store.IncrementCounters(ctx, c.ID, 1, 0)
	if err != nil {
		return fmt.Errorf("increment sent count: %w", err)
	}
	r.publish(ctx, progress.KindProgress, c.ID, counters, "")
	return nil
}

func (r *Runner) deliver(ctx context.Context, def content.Definition, endpointID string, rc domain.Recipient) error {
	planner := r.Planner
	if planner == nil {
		planner = content.NewPlanner()
	}
	plan, err := planner.Plan(def, rc.Vars())
	if err != nil {
		return err
	}
	_, err = planner.Deliver(ctx, r.Transport, endpointID, rc.Address, plan)
	return err
}

func (r *Runner) complete(ctx context.Context, id string, log *slog.Logger) (outcome, error) {
	ok, err := r.Store.FinishCampaign(ctx, store.CampaignFinish{
		CampaignID: id,
		Status:     domain.StatusCompleted,
		Now:        util.NowUTC(),
	})
	if err != nil {
		return "", fmt.Errorf("complete campaign: %w", err)
	}
	if !ok {
		// paused or deleted between the last send and now
		return outcomeStopped, nil
	}
	counters := r.counters(ctx, id, log)
	r.publish(ctx, progress.KindCompleted, id, counters, "")
	return outcomeCompleted, nil
}

func (r *Runner) fail(ctx context.Context, id string, cause error, log *slog.Logger) {
	log.Error("campaign run failed", "err", cause)
	r.ErrorLog.Record(ctx, errorlog.Entry{CampaignID: id, Err: cause})
	if _, err := r.Store.FinishCampaign(ctx, store.CampaignFinish{
		CampaignID: id,
		Status:     domain.StatusFailed,
		LastError:  cause.Error(),
		Now:        util.NowUTC(),
	}); err != nil {
		log.Error("could not mark campaign failed", "err", err)
	}
	r.publish(ctx, progress.KindFailed, id, r.counters(ctx, id, log), cause.Error())
}

func (r *Runner) counters(ctx context.Context, id string, log *slog.Logger) domain.Counters {
	c, err := r.Store.GetCampaign(ctx, id)
	if err != nil {
		log.Warn("could not read final counters", "err", err)
		return domain.Counters{}
	}
	return domain.Counters{TotalContacts: c.TotalContacts, SentCount: c.SentCount, FailedCount: c.FailedCount}
}

func (r *Runner) publish(ctx context.Context, kind progress.Kind, id string, c domain.Counters, errText string) {
	if r.Events == nil {
		return
	}
	r.Events.Publish(ctx, progress.Event{
		Kind:          kind,
		CampaignID:    id,
		SentCount:     c.SentCount,
		FailedCount:   c.FailedCount,
		TotalContacts: c.TotalContacts,
		Percentage:    c.Percentage(),
		Error:         errText,
		At:            util.NowUTC(),
	})
}

// warnDisconnected logs endpoints last reported as disconnected. Rotation
// still uses them; their sends fail per recipient.
func (r *Runner) warnDisconnected(ctx context.Context, endpoints []string, log *slog.Logger) {
	for _, id := range endpoints {
		ep, err := r.Store.GetEndpoint(ctx, id)
		if err != nil {
			continue
		}
		if ep.Status == domain.EndpointDisconnected {
			log.Warn("endpoint reported disconnected", "endpoint_id", id, "since", ep.UpdatedAt)
		}
	}
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	return util.Sleep(ctx, d)
}

func (r *Runner) warmUp() time.Duration {
	if r.WarmUp < 0 {
		return 0
	}
	if r.WarmUp == 0 {
		return pacing.WarmUp
	}
	return r.WarmUp
}

func (r *Runner) logger() *slog.Logger {
	if r.Log != nil {
		return r.Log
	}
	return slog.Default()
}
