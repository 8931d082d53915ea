package content

import (
	"fmt"
	"regexp"
	"strings"

	"blast/internal/transport"
)

const (
	MaxButtons        = 3
	DefaultPrompt     = "Choose an option"
	DefaultButtonText = "View options"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func validID(id string) bool { return idPattern.MatchString(id) }

// NeedsButtonsNormalization reports whether b must go through NormalizeButtons
// before it can be handed to a transport.
func NeedsButtonsNormalization(b Buttons) bool {
	if strings.TrimSpace(b.Prompt) == "" || len(b.Buttons) > MaxButtons {
		return true
	}
	seen := make(map[string]bool, len(b.Buttons))
	for _, btn := range b.Buttons {
		if !validID(btn.ID) || seen[btn.ID] || strings.TrimSpace(btn.Text) == "" {
			return true
		}
		switch btn.Type {
		case transport.ButtonQuickReply, transport.ButtonURL, transport.ButtonCall:
		default:
			return true
		}
		seen[btn.ID] = true
	}
	return false
}

// NormalizeButtons returns a copy of b with at most MaxButtons buttons, unique
// well-formed ids, a known type on every button and a non-empty prompt.
func NormalizeButtons(b Buttons) Buttons {
	out := Buttons{Prompt: strings.TrimSpace(b.Prompt), Footer: b.Footer}
	if out.Prompt == "" {
		out.Prompt = DefaultPrompt
	}
	src := b.Buttons
	if len(src) > MaxButtons {
		src = src[:MaxButtons]
	}
	ids := newIDSet()
	for i, btn := range src {
		nb := btn
		nb.ID = ids.claim(btn.ID, fmt.Sprintf("btn_%d", i+1))
		if strings.TrimSpace(nb.Text) == "" {
			nb.Text = fmt.Sprintf("Option %d", i+1)
		}
		switch nb.Type {
		case transport.ButtonQuickReply, transport.ButtonURL, transport.ButtonCall:
		default:
			nb.Type = transport.ButtonQuickReply
		}
		out.Buttons = append(out.Buttons, nb)
	}
	return out
}

func NeedsListNormalization(l List) bool {
	if strings.TrimSpace(l.Prompt) == "" || strings.TrimSpace(l.ButtonText) == "" {
		return true
	}
	seen := map[string]bool{}
	for _, s := range l.Sections {
		for _, r := range s.Rows {
			if !validID(r.ID) || seen[r.ID] {
				return true
			}
			seen[r.ID] = true
		}
	}
	return false
}

// NormalizeList returns a copy of l with unique row ids and default prompt and
// button text. Sections without rows are dropped.
func NormalizeList(l List) List {
	out := List{
		Prompt:     strings.TrimSpace(l.Prompt),
		Footer:     l.Footer,
		ButtonText: strings.TrimSpace(l.ButtonText),
	}
	if out.Prompt == "" {
		out.Prompt = DefaultPrompt
	}
	if out.ButtonText == "" {
		out.ButtonText = DefaultButtonText
	}
	ids := newIDSet()
	for si, s := range l.Sections {
		if len(s.Rows) == 0 {
			continue
		}
		sec := transport.ListSection{Title: s.Title, Rows: make([]transport.ListRow, 0, len(s.Rows))}
		for ri, r := range s.Rows {
			nr := r
			nr.ID = ids.claim(r.ID, fmt.Sprintf("row_%d_%d", si+1, ri+1))
			if strings.TrimSpace(nr.Title) == "" {
				nr.Title = nr.ID
			}
			sec.Rows = append(sec.Rows, nr)
		}
		out.Sections = append(out.Sections, sec)
	}
	return out
}

type idSet map[string]bool

func newIDSet() idSet { return idSet{} }

// claim keeps id when it is well formed and unused, otherwise falls back to a
// generated id that is also unique within the set.
func (s idSet) claim(id, fallback string) string {
	id = strings.TrimSpace(id)
	if validID(id) && !s[id] {
		s[id] = true
		return id
	}
	cand := fallback
	for n := 2; s[cand]; n++ {
		cand = fmt.Sprintf("%s_%d", fallback, n)
	}
	s[cand] = true
	return cand
}
