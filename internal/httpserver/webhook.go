package httpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"blast/internal/observability"
	"blast/internal/providers/gateway"
	"blast/internal/store"
	"blast/internal/util"
)

const maxWebhookBody = 64 << 10

type WebhookStore interface {
	UpsertEndpointStatus(ctx context.Context, in store.EndpointStatusUpdate) error
}

// Webhook receives endpoint connectivity changes pushed by the gateway.
type Webhook struct {
	Store  WebhookStore
	Secret string
}

func (w *Webhook) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/webhooks/instances/status", w.handleInstanceStatus).Methods(http.MethodPost)
}

func (w *Webhook) handleInstanceStatus(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(rw, ErrBodyTooLarge, http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(rw, ErrInvalidEvent, http.StatusBadRequest)
		return
	}
	if w.Secret == "" || !gateway.VerifySignature(w.Secret, body, r.Header.Get(gateway.SignatureHeader)) {
		observability.WebhookEvents.WithLabelValues("rejected").Inc()
		http.Error(rw, ErrInvalidSignature, http.StatusUnauthorized)
		return
	}

	ev, status, err := gateway.ParseStatusEvent(body)
	if err != nil {
		observability.WebhookEvents.WithLabelValues("invalid").Inc()
		http.Error(rw, ErrInvalidEvent, http.StatusBadRequest)
		return
	}
	observability.WebhookEvents.WithLabelValues(string(status)).Inc()

	if err := w.Store.UpsertEndpointStatus(r.Context(), store.EndpointStatusUpdate{
		EndpointID: ev.InstanceID,
		Status:     status,
		Now:        util.NowUTC(),
	}); err != nil {
		slog.Error("webhook update endpoint failed", "err", err, "endpoint_id", ev.InstanceID, "status", string(status))
		http.Error(rw, ErrDependency, http.StatusInternalServerError)
		return
	}
	slog.Info("endpoint status changed", "endpoint_id", ev.InstanceID, "status", string(status))
	rw.WriteHeader(http.StatusOK)
}
