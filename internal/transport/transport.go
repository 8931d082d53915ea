// Package transport defines the contract the dispatcher uses to hand a prepared
// message to a messaging endpoint. Implementations live elsewhere (the gateway
// HTTP client, the per-endpoint lane gate, test fakes).
package transport

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when the endpoint is not paired or has dropped
	// its session.
	ErrNotConnected = errors.New("endpoint not connected")
	// ErrUnsupported is returned when the transport lacks the capability for a
	// rich message kind.
	ErrUnsupported = errors.New("transport capability unsupported")
)

type PayloadKind string

const (
	PayloadText     PayloadKind = "text"
	PayloadImage    PayloadKind = "image"
	PayloadVideo    PayloadKind = "video"
	PayloadDocument PayloadKind = "document"
	PayloadAudio    PayloadKind = "audio"
)

// Payload is a generic message: plain text or a single media file.
type Payload struct {
	Kind      PayloadKind `json:"kind"`
	Text      string      `json:"text,omitempty"`
	MediaURL  string      `json:"mediaUrl,omitempty"`
	FileName  string      `json:"fileName,omitempty"`
	MimeType  string      `json:"mimeType,omitempty"`
	Caption   string      `json:"caption,omitempty"`
	VoiceNote bool        `json:"voiceNote,omitempty"`
}

type ButtonType string

const (
	ButtonQuickReply ButtonType = "quick_reply"
	ButtonURL        ButtonType = "url"
	ButtonCall       ButtonType = "call"
)

type Button struct {
	ID    string     `json:"id"`
	Type  ButtonType `json:"type"`
	Text  string     `json:"text"`
	Value string     `json:"value,omitempty"` // url or phone number
}

type ButtonsMessage struct {
	Prompt  string   `json:"prompt"`
	Footer  string   `json:"footer,omitempty"`
	Buttons []Button `json:"buttons"`
}

type ListRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type ListSection struct {
	Title string    `json:"title"`
	Rows  []ListRow `json:"rows"`
}

type ListMessage struct {
	Prompt     string        `json:"prompt"`
	Footer     string        `json:"footer,omitempty"`
	ButtonText string        `json:"buttonText"`
	Sections   []ListSection `json:"sections"`
}

type PollMessage struct {
	Question   string   `json:"question"`
	Options    []string `json:"options"`
	Selectable int      `json:"selectable"`
}

type CarouselCard struct {
	ImageURL    string   `json:"imageUrl"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Price       string   `json:"price,omitempty"`
	Buttons     []Button `json:"buttons,omitempty"`
}

type CarouselMessage struct {
	Prompt string         `json:"prompt,omitempty"`
	Cards  []CarouselCard `json:"cards"`
}

// Receipt acknowledges a message accepted by the endpoint.
type Receipt struct {
	MessageID  string `json:"messageId"`
	EndpointID string `json:"endpointId"`
}

// Sender is the mandatory capability of every transport.
type Sender interface {
	Send(ctx context.Context, endpointID, to string, p Payload) (Receipt, error)
}

type ButtonsSender interface {
	SendButtons(ctx context.Context, endpointID, to string, m ButtonsMessage) (Receipt, error)
}

type ListSender interface {
	SendList(ctx context.Context, endpointID, to string, m ListMessage) (Receipt, error)
}

type PollSender interface {
	SendPoll(ctx context.Context, endpointID, to string, m PollMessage) (Receipt, error)
}

type CarouselSender interface {
	SendCarousel(ctx context.Context, endpointID, to string, m CarouselMessage) (Receipt, error)
}

// Error describes a failed transport call. It unwraps to the classified
// sentinel (ErrNotConnected, ErrUnsupported) when one applies.
type Error struct {
	EndpointID string
	HTTPStatus int
	Body       []byte
	Err        error
}

func (e *Error) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("endpoint %s: %v (http %d)", e.EndpointID, e.Err, e.HTTPStatus)
	}
	return fmt.Sprintf("endpoint %s: %v", e.EndpointID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
