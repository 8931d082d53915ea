package content

import (
	"encoding/json"
	"fmt"
	"strings"

	"blast/internal/transport"
)

// Older campaigns stored their message as loosely shaped JSON with no type
// tag, and several shapes can coexist in one document. DecodeLegacy picks the
// variant by a fixed precedence: buttons, list, poll, carousel, audio set,
// media set, then text. The typed envelope path in Decode never goes through
// this file.

type legacyButton struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Text        string `json:"text"`
	DisplayText string `json:"displayText"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	PhoneNumber string `json:"phoneNumber"`
	Value       string `json:"value"`
}

type legacyRow struct {
	ID          string `json:"id"`
	RowID       string `json:"rowId"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type legacySection struct {
	Title string      `json:"title"`
	Rows  []legacyRow `json:"rows"`
}

type legacyFile struct {
	URL      string `json:"url"`
	Path     string `json:"path"`
	FileName string `json:"fileName"`
	Name     string `json:"name"`
	MimeType string `json:"mimetype"`
	Type     string `json:"type"`
}

type legacyCard struct {
	Image       string         `json:"image"`
	ImageURL    string         `json:"imageUrl"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Price       string         `json:"price"`
	Buttons     []legacyButton `json:"buttons"`
}

type legacyDoc struct {
	Text        string `json:"text"`
	Message     string `json:"message"`
	Caption     string `json:"caption"`
	Footer      string `json:"footer"`
	ButtonText  string `json:"buttonText"`
	Question    string `json:"question"`
	PollName    string `json:"pollName"`
	MultiSelect bool   `json:"multiSelect"`
	MediaURL    string `json:"mediaUrl"`
	MediaType   string `json:"mediaType"`

	Buttons     []legacyButton  `json:"buttons"`
	Sections    []legacySection `json:"sections"`
	Options     []string        `json:"options"`
	PollOptions []string        `json:"pollOptions"`
	Cards       []legacyCard    `json:"cards"`
	AudioFiles  []legacyFile    `json:"audioFiles"`
	Audios      []legacyFile    `json:"audios"`
	MediaFiles  []legacyFile    `json:"mediaFiles"`
	Files       []legacyFile    `json:"files"`
}

// legacyShape is one row of the precedence table.
type legacyShape struct {
	kind    Kind
	matches func(d *legacyDoc) bool
	build   func(d *legacyDoc) Definition
}

var legacyShapes = []legacyShape{
	{KindButtons, func(d *legacyDoc) bool { return len(d.Buttons) > 0 }, legacyButtons},
	{KindList, func(d *legacyDoc) bool { return len(d.Sections) > 0 }, legacyList},
	{KindPoll, func(d *legacyDoc) bool {
		return len(d.PollOptions) > 0 || (len(d.Options) > 0 && (d.Question != "" || d.PollName != ""))
	}, legacyPoll},
	{KindCarousel, func(d *legacyDoc) bool { return len(d.Cards) > 0 }, legacyCarousel},
	{KindAudioSet, func(d *legacyDoc) bool { return len(d.AudioFiles) > 0 || len(d.Audios) > 0 }, legacyAudio},
	{KindMediaSet, func(d *legacyDoc) bool {
		return len(d.MediaFiles) > 0 || len(d.Files) > 0 || d.MediaURL != ""
	}, legacyMedia},
	{KindText, func(d *legacyDoc) bool { return d.text() != "" }, func(d *legacyDoc) Definition {
		return Text{Body: d.text()}
	}},
}

// DecodeLegacy maps an untagged JSON message onto a Definition.
func DecodeLegacy(raw []byte) (Definition, error) {
	var d legacyDoc
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	for _, s := range legacyShapes {
		if s.matches(&d) {
			return s.build(&d), nil
		}
	}
	return nil, ErrEmptyContent
}

func (d *legacyDoc) text() string {
	for _, s := range []string{d.Text, d.Message, d.Caption} {
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

func legacyButtons(d *legacyDoc) Definition {
	out := Buttons{Prompt: d.text(), Footer: d.Footer}
	for _, b := range d.Buttons {
		out.Buttons = append(out.Buttons, b.toButton())
	}
	return out
}

func (b legacyButton) toButton() transport.Button {
	btn := transport.Button{ID: b.ID, Text: firstNonEmpty(b.Text, b.DisplayText, b.Title)}
	switch strings.ToLower(b.Type) {
	case "url", "cta_url":
		btn.Type = transport.ButtonURL
		btn.Value = firstNonEmpty(b.URL, b.Value)
	case "call", "cta_call":
		btn.Type = transport.ButtonCall
		btn.Value = firstNonEmpty(b.PhoneNumber, b.Value)
	default:
		btn.Type = transport.ButtonQuickReply
	}
	return btn
}

func legacyList(d *legacyDoc) Definition {
	out := List{Prompt: d.text(), Footer: d.Footer, ButtonText: d.ButtonText}
	for _, s := range d.Sections {
		sec := transport.ListSection{Title: s.Title}
		for _, r := range s.Rows {
			sec.Rows = append(sec.Rows, transport.ListRow{
				ID:          firstNonEmpty(r.ID, r.RowID),
				Title:       r.Title,
				Description: r.Description,
			})
		}
		out.Sections = append(out.Sections, sec)
	}
	return out
}

func legacyPoll(d *legacyDoc) Definition {
	opts := d.PollOptions
	if len(opts) == 0 {
		opts = d.Options
	}
	return Poll{
		Question:    firstNonEmpty(d.Question, d.PollName, d.text()),
		Options:     append([]string(nil), opts...),
		MultiSelect: d.MultiSelect,
	}
}

func legacyCarousel(d *legacyDoc) Definition {
	out := Carousel{Prompt: d.text()}
	for _, c := range d.Cards {
		card := transport.CarouselCard{
			ImageURL:    firstNonEmpty(c.ImageURL, c.Image),
			Title:       c.Title,
			Description: c.Description,
			Price:       c.Price,
		}
		for _, b := range c.Buttons {
			card.Buttons = append(card.Buttons, b.toButton())
		}
		out.Cards = append(out.Cards, card)
	}
	return out
}

func legacyAudio(d *legacyDoc) Definition {
	files := d.AudioFiles
	if len(files) == 0 {
		files = d.Audios
	}
	out := AudioSet{}
	for _, f := range files {
		mf := f.toMediaFile()
		mf.Type = transport.PayloadAudio
		out.Files = append(out.Files, mf)
	}
	return out
}

func legacyMedia(d *legacyDoc) Definition {
	files := d.MediaFiles
	if len(files) == 0 {
		files = d.Files
	}
	if len(files) == 0 && d.MediaURL != "" {
		files = []legacyFile{{URL: d.MediaURL, Type: d.MediaType}}
	}
	out := MediaSet{Caption: d.text()}
	for _, f := range files {
		out.Files = append(out.Files, f.toMediaFile())
	}
	return out
}

func (f legacyFile) toMediaFile() MediaFile {
	mf := MediaFile{
		URL:      firstNonEmpty(f.URL, f.Path),
		FileName: firstNonEmpty(f.FileName, f.Name),
		MimeType: f.MimeType,
	}
	mf.Type = mediaKind(f.Type, f.MimeType)
	return mf
}

func mediaKind(declared, mime string) transport.PayloadKind {
	switch strings.ToLower(declared) {
	case "image":
		return transport.PayloadImage
	case "video":
		return transport.PayloadVideo
	case "audio":
		return transport.PayloadAudio
	case "document":
		return transport.PayloadDocument
	}
	switch {
	case strings.HasPrefix(mime, "image/"):
		return transport.PayloadImage
	case strings.HasPrefix(mime, "video/"):
		return transport.PayloadVideo
	case strings.HasPrefix(mime, "audio/"):
		return transport.PayloadAudio
	}
	return transport.PayloadDocument
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
