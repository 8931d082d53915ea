package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"blast/internal/domain"
	"blast/internal/observability"
	"blast/internal/store"
	"blast/internal/util"
)

// Outcome is the result of a control operation.
type Outcome string

const (
	OK                Outcome = "ok"
	AlreadyInState    Outcome = "already_in_state"
	InvalidTransition Outcome = "invalid_transition"
)

type ControlStore interface {
	GetCampaignStatus(ctx context.Context, id string) (domain.CampaignStatus, error)
	TransitionStatus(ctx context.Context, in store.StatusTransition) (bool, error)
	DeleteCampaign(ctx context.Context, id string) (bool, error)
}

// Launcher makes sure a loop is running for a campaign whose stored status
// is running. Launching twice is harmless.
type Launcher interface {
	Launch(ctx context.Context, campaignID string) error
}

// Supervisor applies control operations. Status changes are synchronous;
// loops are started through the Launcher and stopped by the status they poll.
type Supervisor struct {
	Store    ControlStore
	Launcher Launcher
	Log      *slog.Logger
}

// Start moves a draft or scheduled campaign to running and launches its loop.
func (s *Supervisor) Start(ctx context.Context, id string) (Outcome, error) {
	out, err := s.enterRunning(ctx, id, domain.StatusDraft, domain.StatusScheduled)
	return s.record("start", out, err)
}

// Resume moves a paused campaign back to running and launches a new loop,
// unless the previous loop is still alive and will simply carry on.
func (s *Supervisor) Resume(ctx context.Context, id string) (Outcome, error) {
	out, err := s.enterRunning(ctx, id, domain.StatusPaused)
	return s.record("resume", out, err)
}

func (s *Supervisor) Pause(ctx context.Context, id string) (Outcome, error) {
	ok, err := s.Store.TransitionStatus(ctx, store.StatusTransition{
		CampaignID: id,
		From:       []domain.CampaignStatus{domain.StatusRunning},
		To:         domain.StatusPaused,
		Now:        util.NowUTC(),
	})
	if err != nil {
		return s.record("pause", "", err)
	}
	if ok {
		s.logger().Info("campaign paused", "campaign_id", id)
		return s.record("pause", OK, nil)
	}
	st, err := s.Store.GetCampaignStatus(ctx, id)
	if err != nil {
		return s.record("pause", "", err)
	}
	if st == domain.StatusPaused {
		return s.record("pause", AlreadyInState, nil)
	}
	return s.record("pause", InvalidTransition, nil)
}

// Delete removes a campaign that is not running, with its send records.
func (s *Supervisor) Delete(ctx context.Context, id string) (Outcome, error) {
	st, err := s.Store.GetCampaignStatus(ctx, id)
	if err != nil {
		return s.record("delete", "", err)
	}
	if st == domain.StatusRunning {
		return s.record("delete", InvalidTransition, nil)
	}
	ok, err := s.Store.DeleteCampaign(ctx, id)
	if err != nil {
		return s.record("delete", "", err)
	}
	if !ok {
		// started or removed concurrently
		if _, err := s.Store.GetCampaignStatus(ctx, id); errors.Is(err, domain.ErrNotFound) {
			return s.record("delete", "", err)
		}
		return s.record("delete", InvalidTransition, nil)
	}
	s.logger().Info("campaign deleted", "campaign_id", id)
	return s.record("delete", OK, nil)
}

func (s *Supervisor) enterRunning(ctx context.Context, id string, from ...domain.CampaignStatus) (Outcome, error) {
	ok, err := s.Store.TransitionStatus(ctx, store.StatusTransition{
		CampaignID: id,
		From:       from,
		To:         domain.StatusRunning,
		Now:        util.NowUTC(),
	})
	if err != nil {
		return "", err
	}
	out := OK
	if !ok {
		st, err := s.Store.GetCampaignStatus(ctx, id)
		if err != nil {
			return "", err
		}
		if st != domain.StatusRunning {
			return InvalidTransition, nil
		}
		// already running: make sure a loop exists, e.g. after a crash
		out = AlreadyInState
	}
	if err := s.Launcher.Launch(ctx, id); err != nil {
		return "", err
	}
	if out == OK {
		s.logger().Info("campaign running", "campaign_id", id)
	}
	return out, nil
}

func (s *Supervisor) record(action string, out Outcome, err error) (Outcome, error) {
	label := string(out)
	if err != nil {
		label = "error"
		if errors.Is(err, domain.ErrNotFound) {
			label = "not_found"
		}
	}
	observability.ControlCommands.WithLabelValues(action, label).Inc()
	return out, err
}

func (s *Supervisor) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}
