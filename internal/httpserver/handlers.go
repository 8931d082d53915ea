package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"blast/internal/content"
	"blast/internal/dispatch"
	"blast/internal/domain"
)

// Controller is the campaign control surface.
type Controller interface {
	Start(ctx context.Context, id string) (dispatch.Outcome, error)
	Pause(ctx context.Context, id string) (dispatch.Outcome, error)
	Resume(ctx context.Context, id string) (dispatch.Outcome, error)
	Delete(ctx context.Context, id string) (dispatch.Outcome, error)
}

type CampaignReader interface {
	GetCampaign(ctx context.Context, id string) (domain.Campaign, error)
	ListSendRecords(ctx context.Context, campaignID string) ([]domain.SendRecord, error)
}

type API struct {
	Control   Controller
	Campaigns CampaignReader
}

type controlResponse struct {
	CampaignID string           `json:"campaignId"`
	Outcome    dispatch.Outcome `json:"outcome"`
}

type campaignView struct {
	domain.Campaign
	Pacing     pacingView      `json:"pacing"`
	Message    json.RawMessage `json:"message,omitempty"`
	Percentage float64         `json:"percentage"`
}

// pacingView exposes delays in milliseconds, as they are stored.
type pacingView struct {
	MinDelayMS      int64 `json:"minDelay"`
	MaxDelayMS      int64 `json:"maxDelay"`
	RotationDelayMS int64 `json:"delayBetweenEndpointSwitches"`
	MaxPerEndpoint  int   `json:"maxMessagesPerEndpoint"`
}

func (a *API) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/campaigns/{id}/start", a.control("start", a.Control.Start)).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}/pause", a.control("pause", a.Control.Pause)).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}/resume", a.control("resume", a.Control.Resume)).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}", a.control("delete", a.Control.Delete)).Methods(http.MethodDelete)
	mux.HandleFunc("/v1/campaigns/{id}", a.handleGetCampaign).Methods(http.MethodGet)
	mux.HandleFunc("/v1/campaigns/{id}/records", a.handleListRecords).Methods(http.MethodGet)
}

func (a *API) control(action string, op func(context.Context, string) (dispatch.Outcome, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if id == "" {
			http.Error(w, ErrMissingID, http.StatusBadRequest)
			return
		}
		out, err := op(r.Context(), id)
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, ErrNotFound, http.StatusNotFound)
			return
		}
		if err != nil {
			slog.Error("campaign control failed", "err", err, "action", action, "campaign_id", id)
			http.Error(w, ErrDependency, http.StatusBadGateway)
			return
		}
		status := http.StatusOK
		if out == dispatch.InvalidTransition {
			status = http.StatusConflict
		}
		writeJSON(w, status, controlResponse{CampaignID: id, Outcome: out})
	}
}

func (a *API) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	c, err := a.Campaigns.GetCampaign(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("get campaign failed", "err", err, "campaign_id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	view := campaignView{
		Campaign: c,
		Pacing: pacingView{
			MinDelayMS:      c.Pacing.MinDelay.Milliseconds(),
			MaxDelayMS:      c.Pacing.MaxDelay.Milliseconds(),
			RotationDelayMS: c.Pacing.RotationDelay.Milliseconds(),
			MaxPerEndpoint:  c.Pacing.MaxPerEndpoint,
		},
	}
	view.Percentage = domain.Counters{TotalContacts: c.TotalContacts, SentCount: c.SentCount, FailedCount: c.FailedCount}.Percentage()
	if c.Message != nil {
		if raw, err := content.Encode(c.Message); err == nil {
			view.Message = raw
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleListRecords(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := a.Campaigns.GetCampaign(r.Context(), id); errors.Is(err, domain.ErrNotFound) {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	recs, err := a.Campaigns.ListSendRecords(r.Context(), id)
	if err != nil {
		slog.Error("list send records failed", "err", err, "campaign_id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if recs == nil {
		recs = []domain.SendRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaignId": id, "records": recs})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
