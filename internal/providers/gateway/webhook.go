package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"blast/internal/domain"
)

const SignatureHeader = "X-Gateway-Signature"

// StatusEvent is pushed by the gateway when an endpoint's connectivity changes.
type StatusEvent struct {
	InstanceID string `json:"instanceId"`
	Status     string `json:"status"`
}

var ErrInvalidEvent = errors.New("invalid status event")

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func VerifySignature(secret string, body []byte, provided string) bool {
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(provided))))
}

func ParseStatusEvent(body []byte) (StatusEvent, domain.EndpointStatus, error) {
	var ev StatusEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return StatusEvent{}, "", ErrInvalidEvent
	}
	if ev.InstanceID == "" {
		return StatusEvent{}, "", ErrInvalidEvent
	}
	switch st := domain.EndpointStatus(strings.ToLower(ev.Status)); st {
	case domain.EndpointConnected, domain.EndpointConnecting, domain.EndpointDisconnected:
		return ev, st, nil
	}
	return StatusEvent{}, "", ErrInvalidEvent
}
