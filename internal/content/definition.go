// Package content turns a campaign's stored message definition into the
// transport calls needed to deliver it to one recipient.
package content

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"blast/internal/transport"
)

type Kind string

const (
	KindText     Kind = "text"
	KindMediaSet Kind = "media_set"
	KindAudioSet Kind = "audio_set"
	KindButtons  Kind = "buttons"
	KindList     Kind = "list"
	KindPoll     Kind = "poll"
	KindCarousel Kind = "carousel"

	KindUndecodable Kind = "undecodable"
)

var (
	ErrEmptyContent   = errors.New("empty message content")
	ErrInvalidContent = errors.New("invalid message content")
	ErrUnknownKind    = errors.New("unknown message kind")
)

// Definition is the message a campaign sends. Exactly one of the concrete
// types below is used per campaign.
type Definition interface {
	Kind() Kind
}

type Text struct {
	Body string `json:"body"`
}

type MediaFile struct {
	URL      string                `json:"url"`
	FileName string                `json:"fileName,omitempty"`
	MimeType string                `json:"mimeType,omitempty"`
	Type     transport.PayloadKind `json:"type"`
}

type MediaSet struct {
	Files   []MediaFile `json:"files"`
	Caption string      `json:"caption,omitempty"`
}

// AudioSet files are delivered as voice notes.
type AudioSet struct {
	Files []MediaFile `json:"files"`
}

type Buttons struct {
	Prompt  string             `json:"prompt"`
	Footer  string             `json:"footer,omitempty"`
	Buttons []transport.Button `json:"buttons"`
}

type List struct {
	Prompt     string                  `json:"prompt"`
	Footer     string                  `json:"footer,omitempty"`
	ButtonText string                  `json:"buttonText,omitempty"`
	Sections   []transport.ListSection `json:"sections"`
}

type Poll struct {
	Question    string   `json:"question"`
	Options     []string `json:"options"`
	MultiSelect bool     `json:"multiSelect"`
}

type Carousel struct {
	Prompt string                   `json:"prompt,omitempty"`
	Cards  []transport.CarouselCard `json:"cards"`
}

func (Text) Kind() Kind     { return KindText }
func (MediaSet) Kind() Kind { return KindMediaSet }
func (AudioSet) Kind() Kind { return KindAudioSet }
func (Buttons) Kind() Kind  { return KindButtons }
func (List) Kind() Kind     { return KindList }
func (Poll) Kind() Kind     { return KindPoll }
func (Carousel) Kind() Kind { return KindCarousel }

// Undecodable stands in for a stored message that could not be read, so the
// campaign row stays usable and every send fails with the decode error.
type Undecodable struct {
	Err error
}

func (Undecodable) Kind() Kind { return KindUndecodable }

type envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Encode serializes a definition into its typed envelope.
func Encode(def Definition) ([]byte, error) {
	if def == nil {
		return nil, ErrEmptyContent
	}
	if u, ok := def.(Undecodable); ok {
		return nil, u.Err
	}
	data, err := json.Marshal(def)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: def.Kind(), Data: data})
}

// Decode reads a stored definition. Rows written before the typed envelope
// existed are routed through DecodeLegacy.
func Decode(raw []byte) (Definition, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, ErrEmptyContent
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	if env.Type == "" || len(env.Data) == 0 {
		return DecodeLegacy(raw)
	}

	var def Definition
	switch env.Type {
	case KindText:
		var v Text
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
		}
		def = v
	case KindMediaSet:
		var v MediaSet
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
		}
		def = v
	case KindAudioSet:
		var v AudioSet
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
		}
		def = v
	case KindButtons:
		var v Buttons
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
		}
		def = v
	case KindList:
		var v List
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
		}
		def = v
	case KindPoll:
		var v Poll
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
		}
		def = v
	case KindCarousel:
		var v Carousel
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
		}
		def = v
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, env.Type)
	}
	return def, nil
}
