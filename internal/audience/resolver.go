// Package audience resolves a campaign's targeting into an ordered recipient
// list.
package audience

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"blast/internal/domain"
	"blast/internal/util"
)

// DefaultExcludedStages are left out of "all" targeting.
var DefaultExcludedStages = []string{"lost", "unsubscribed"}

type Store interface {
	ListContacts(ctx context.Context, excludeStages []string) ([]domain.Contact, error)
	GetContactsByIDs(ctx context.Context, ids []string) ([]domain.Contact, error)
	FindContacts(ctx context.Context, c domain.SegmentCriteria) ([]domain.Contact, error)
	// UpsertContactByPhone returns the existing contact with that phone or
	// creates one tagged with source.
	UpsertContactByPhone(ctx context.Context, phone, source string, now time.Time) (domain.Contact, error)
}

type Resolver struct {
	Store          Store
	ExcludedStages []string
	Log            *slog.Logger
}

// Resolve returns the audience in targeting order. Each contact appears once.
func (r *Resolver) Resolve(ctx context.Context, t domain.Targeting) ([]domain.Recipient, error) {
	var (
		contacts []domain.Contact
		err      error
	)
	switch t.Type {
	case domain.TargetAll, "":
		excluded := r.ExcludedStages
		if excluded == nil {
			excluded = DefaultExcludedStages
		}
		contacts, err = r.Store.ListContacts(ctx, excluded)
	case domain.TargetList:
		contacts, err = r.resolveList(ctx, t.List)
	case domain.TargetSegment:
		contacts, err = r.Store.FindContacts(ctx, t.Segment)
	default:
		return nil, fmt.Errorf("unknown target type %q", t.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s audience: %w", t.Type, err)
	}

	out := make([]domain.Recipient, 0, len(contacts))
	seen := make(map[string]bool, len(contacts))
	for _, c := range contacts {
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		if c.Phone == "" {
			r.logger().Warn("audience contact without phone skipped", "contact_id", c.ID)
			continue
		}
		out = append(out, domain.Recipient{ContactID: c.ID, Name: c.Name, Address: c.Phone})
	}
	return out, nil
}

// resolveList keeps the operator's order. Raw numbers become ad-hoc contacts
// first so every recipient is backed by a durable contact.
func (r *Resolver) resolveList(ctx context.Context, entries []string) ([]domain.Contact, error) {
	type slot struct {
		id      string
		contact *domain.Contact
	}
	slots := make([]slot, 0, len(entries))
	var ids []string
	now := util.NowUTC()

	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if IsPhoneLike(e) {
			c, err := r.Store.UpsertContactByPhone(ctx, util.NormalizePhone(e), domain.AdhocSource, now)
			if err != nil {
				return nil, fmt.Errorf("upsert contact %s: %w", e, err)
			}
			slots = append(slots, slot{contact: &c})
			continue
		}
		ids = append(ids, e)
		slots = append(slots, slot{id: e})
	}

	byID := map[string]domain.Contact{}
	if len(ids) > 0 {
		found, err := r.Store.GetContactsByIDs(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, c := range found {
			byID[c.ID] = c
		}
	}

	out := make([]domain.Contact, 0, len(slots))
	for _, s := range slots {
		if s.contact != nil {
			out = append(out, *s.contact)
			continue
		}
		c, ok := byID[s.id]
		if !ok {
			r.logger().Warn("audience list entry not found", "contact_id", s.id)
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *Resolver) logger() *slog.Logger {
	if r.Log != nil {
		return r.Log
	}
	return slog.Default()
}

// IsPhoneLike reports whether s looks like a raw destination number: 8 to 15
// digits, optionally with a leading + and common separators.
func IsPhoneLike(s string) bool {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "+")
	n := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			n++
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return false
		}
	}
	return n >= 8 && n <= 15
}
