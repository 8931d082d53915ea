package content

import (
	"context"
	"fmt"
	"strings"
	"time"

	"blast/internal/transport"
	"blast/internal/util"
)

// DefaultPayloadGap separates consecutive payloads sent to the same recipient
// (multi-file media and audio sets).
const DefaultPayloadGap = 1500 * time.Millisecond

// Step is one transport call. Exactly one of the message fields is set and
// Kind names the capability that handles it.
type Step struct {
	Kind     Kind
	Payload  *transport.Payload
	Buttons  *transport.ButtonsMessage
	List     *transport.ListMessage
	Poll     *transport.PollMessage
	Carousel *transport.CarouselMessage
}

type Plan struct {
	Kind  Kind
	Steps []Step
}

type Planner struct {
	PayloadGap time.Duration
	Sleep      func(ctx context.Context, d time.Duration) error
}

func NewPlanner() *Planner {
	return &Planner{PayloadGap: DefaultPayloadGap, Sleep: util.Sleep}
}

// Plan builds the transport calls for one recipient. vars feed the {name} /
// {phone} placeholders of text bodies and captions.
func (p *Planner) Plan(def Definition, vars map[string]string) (Plan, error) {
	if def == nil {
		return Plan{}, ErrEmptyContent
	}
	switch d := def.(type) {
	case Undecodable:
		return Plan{}, fmt.Errorf("stored message: %w", d.Err)

	case Text:
		body := util.RenderTemplate(d.Body, vars)
		if strings.TrimSpace(body) == "" {
			return Plan{}, ErrEmptyContent
		}
		return single(KindText, Step{Kind: KindText, Payload: &transport.Payload{Kind: transport.PayloadText, Text: body}}), nil

	case MediaSet:
		caption := util.RenderTemplate(d.Caption, vars)
		if len(d.Files) == 0 {
			if strings.TrimSpace(caption) == "" {
				return Plan{}, ErrEmptyContent
			}
			// caption only: fall back to plain text
			return single(KindText, Step{Kind: KindText, Payload: &transport.Payload{Kind: transport.PayloadText, Text: caption}}), nil
		}
		plan := Plan{Kind: KindMediaSet}
		for i, f := range d.Files {
			if f.URL == "" {
				return Plan{}, fmt.Errorf("%w: media file %d has no url", ErrInvalidContent, i+1)
			}
			pl := mediaPayload(f)
			if i == 0 {
				pl.Caption = caption
			}
			plan.Steps = append(plan.Steps, Step{Kind: KindMediaSet, Payload: &pl})
		}
		return plan, nil

	case AudioSet:
		if len(d.Files) == 0 {
			return Plan{}, ErrEmptyContent
		}
		plan := Plan{Kind: KindAudioSet}
		for i, f := range d.Files {
			if f.URL == "" {
				return Plan{}, fmt.Errorf("%w: audio file %d has no url", ErrInvalidContent, i+1)
			}
			pl := mediaPayload(f)
			pl.Kind = transport.PayloadAudio
			pl.VoiceNote = true
			plan.Steps = append(plan.Steps, Step{Kind: KindAudioSet, Payload: &pl})
		}
		return plan, nil

	case Buttons:
		if len(d.Buttons) == 0 {
			return Plan{}, fmt.Errorf("%w: buttons message without buttons", ErrInvalidContent)
		}
		if NeedsButtonsNormalization(d) {
			d = NormalizeButtons(d)
		}
		for _, b := range d.Buttons {
			if b.Type != transport.ButtonQuickReply && strings.TrimSpace(b.Value) == "" {
				return Plan{}, fmt.Errorf("%w: %s button %q needs a value", ErrInvalidContent, b.Type, b.ID)
			}
		}
		m := transport.ButtonsMessage{
			Prompt:  util.RenderTemplate(d.Prompt, vars),
			Footer:  d.Footer,
			Buttons: d.Buttons,
		}
		return single(KindButtons, Step{Kind: KindButtons, Buttons: &m}), nil

	case List:
		if NeedsListNormalization(d) {
			d = NormalizeList(d)
		}
		if len(d.Sections) == 0 {
			return Plan{}, fmt.Errorf("%w: list message without rows", ErrInvalidContent)
		}
		m := transport.ListMessage{
			Prompt:     util.RenderTemplate(d.Prompt, vars),
			Footer:     d.Footer,
			ButtonText: d.ButtonText,
			Sections:   d.Sections,
		}
		return single(KindList, Step{Kind: KindList, List: &m}), nil

	case Poll:
		opts := make([]string, 0, len(d.Options))
		for _, o := range d.Options {
			if strings.TrimSpace(o) != "" {
				opts = append(opts, o)
			}
		}
		if strings.TrimSpace(d.Question) == "" || len(opts) < 2 {
			return Plan{}, fmt.Errorf("%w: poll needs a question and two options", ErrInvalidContent)
		}
		selectable := 1
		if d.MultiSelect {
			selectable = len(opts)
		}
		m := transport.PollMessage{Question: d.Question, Options: opts, Selectable: selectable}
		return single(KindPoll, Step{Kind: KindPoll, Poll: &m}), nil

	case Carousel:
		if len(d.Cards) == 0 || len(d.Cards) > 10 {
			return Plan{}, fmt.Errorf("%w: carousel needs 1 to 10 cards", ErrInvalidContent)
		}
		m := transport.CarouselMessage{Prompt: util.RenderTemplate(d.Prompt, vars), Cards: d.Cards}
		return single(KindCarousel, Step{Kind: KindCarousel, Carousel: &m}), nil
	}
	return Plan{}, fmt.Errorf("%w: %T", ErrUnknownKind, def)
}

// Deliver executes plan against t. The first failing step aborts the plan.
func (p *Planner) Deliver(ctx context.Context, t transport.Sender, endpointID, to string, plan Plan) ([]transport.Receipt, error) {
	receipts := make([]transport.Receipt, 0, len(plan.Steps))
	for i, st := range plan.Steps {
		if i > 0 && p.PayloadGap > 0 && p.Sleep != nil {
			if err := p.Sleep(ctx, p.PayloadGap); err != nil {
				return receipts, err
			}
		}
		r, err := sendStep(ctx, t, endpointID, to, st)
		if err != nil {
			return receipts, err
		}
		receipts = append(receipts, r)
	}
	return receipts, nil
}

func sendStep(ctx context.Context, t transport.Sender, endpointID, to string, st Step) (transport.Receipt, error) {
	switch {
	case st.Buttons != nil:
		bs, ok := t.(transport.ButtonsSender)
		if !ok {
			return transport.Receipt{}, fmt.Errorf("buttons: %w", transport.ErrUnsupported)
		}
		return bs.SendButtons(ctx, endpointID, to, *st.Buttons)
	case st.List != nil:
		ls, ok := t.(transport.ListSender)
		if !ok {
			return transport.Receipt{}, fmt.Errorf("list: %w", transport.ErrUnsupported)
		}
		return ls.SendList(ctx, endpointID, to, *st.List)
	case st.Poll != nil:
		ps, ok := t.(transport.PollSender)
		if !ok {
			return transport.Receipt{}, fmt.Errorf("poll: %w", transport.ErrUnsupported)
		}
		return ps.SendPoll(ctx, endpointID, to, *st.Poll)
	case st.Carousel != nil:
		cs, ok := t.(transport.CarouselSender)
		if !ok {
			return transport.Receipt{}, fmt.Errorf("carousel: %w", transport.ErrUnsupported)
		}
		return cs.SendCarousel(ctx, endpointID, to, *st.Carousel)
	case st.Payload != nil:
		return t.Send(ctx, endpointID, to, *st.Payload)
	}
	return transport.Receipt{}, ErrEmptyContent
}

func single(k Kind, st Step) Plan {
	return Plan{Kind: k, Steps: []Step{st}}
}

func mediaPayload(f MediaFile) transport.Payload {
	kind := f.Type
	if kind == "" {
		kind = mediaKind("", f.MimeType)
	}
	return transport.Payload{
		Kind:     kind,
		MediaURL: f.URL,
		FileName: f.FileName,
		MimeType: f.MimeType,
	}
}
