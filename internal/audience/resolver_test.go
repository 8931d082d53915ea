package audience

import (
	"context"
	"testing"
	"time"

	"blast/internal/domain"
	"blast/internal/store/memory"
)

func seed(t *testing.T, st *memory.Store, contacts ...domain.Contact) {
	t.Helper()
	for _, c := range contacts {
		if err := st.InsertContact(context.Background(), c); err != nil {
			t.Fatalf("insert contact: %v", err)
		}
	}
}

func contactIDs(rs []domain.Recipient) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ContactID
	}
	return out
}

func TestIsPhoneLike(t *testing.T) {
	cases := map[string]bool{
		"12345678":          true,
		"+1 (555) 123-4567": true,
		"123456789012345":   true,
		"1234567":           false,
		"1234567890123456":  false,
		"ct_01HXYZ":         false,
		"5551234abc":        false,
		"":                  false,
	}
	for in, want := range cases {
		if got := IsPhoneLike(in); got != want {
			t.Fatalf("IsPhoneLike(%q)=%v, want %v", in, got, want)
		}
	}
}

func TestResolveAllExcludesStages(t *testing.T) {
	st := memory.New()
	seed(t, st,
		domain.Contact{ID: "c1", Phone: "+15550000001", Stage: "lead"},
		domain.Contact{ID: "c2", Phone: "+15550000002", Stage: "lost"},
		domain.Contact{ID: "c3", Phone: "+15550000003", Stage: "customer"},
		domain.Contact{ID: "c4", Phone: "", Stage: "lead"},
	)
	r := &Resolver{Store: st}
	got, err := r.Resolve(context.Background(), domain.Targeting{Type: domain.TargetAll})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	ids := contactIDs(got)
	if len(ids) != 2 || ids[0] != "c1" || ids[1] != "c3" {
		t.Fatalf("unexpected audience %v", ids)
	}
}

func TestResolveListMaterializesRawNumbers(t *testing.T) {
	st := memory.New()
	seed(t, st,
		domain.Contact{ID: "c1", Name: "Ana", Phone: "+15550000001"},
		domain.Contact{ID: "c2", Name: "Bo", Phone: "+15550000002"},
	)
	r := &Resolver{Store: st}
	got, err := r.Resolve(context.Background(), domain.Targeting{
		Type: domain.TargetList,
		List: []string{"c2", "+1 555 000 0001", "missing", "+15559990000", "c1"},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// "+1 555 000 0001" is the same address as c1, so c1 appears once, at its
	// first position.
	if len(got) != 3 {
		t.Fatalf("expected 3 recipients, got %+v", got)
	}
	if got[0].ContactID != "c2" || got[1].ContactID != "c1" {
		t.Fatalf("unexpected order %v", contactIDs(got))
	}
	if got[2].Address != "+15559990000" {
		t.Fatalf("expected ad-hoc recipient, got %+v", got[2])
	}

	all, _ := st.ListContacts(context.Background(), nil)
	var adhoc []domain.Contact
	for _, c := range all {
		if c.Source == domain.AdhocSource {
			adhoc = append(adhoc, c)
		}
	}
	if len(adhoc) != 1 || adhoc[0].ID != got[2].ContactID {
		t.Fatalf("expected exactly one ad-hoc contact backing the raw number, got %+v", adhoc)
	}

	// resolving again reuses the same ad-hoc contact
	again, err := r.Resolve(context.Background(), domain.Targeting{Type: domain.TargetList, List: []string{"+15559990000"}})
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if again[0].ContactID != adhoc[0].ID {
		t.Fatalf("expected dedup against existing contact, got %s", again[0].ContactID)
	}
}

func TestResolveSegment(t *testing.T) {
	st := memory.New()
	day := func(d int) time.Time { return time.Date(2026, 1, d, 0, 0, 0, 0, time.UTC) }
	seed(t, st,
		domain.Contact{ID: "c1", Phone: "+15550000001", Stage: "lead", Source: "web", CreatedAt: day(1)},
		domain.Contact{ID: "c2", Phone: "+15550000002", Stage: "lead", Source: "ads", CreatedAt: day(5)},
		domain.Contact{ID: "c3", Phone: "+15550000003", Stage: "lead", Source: "web", CreatedAt: day(10)},
		domain.Contact{ID: "c4", Phone: "+15550000004", Stage: "customer", Source: "web", CreatedAt: day(5)},
	)
	from, to := day(2), day(12)
	r := &Resolver{Store: st}
	got, err := r.Resolve(context.Background(), domain.Targeting{
		Type:    domain.TargetSegment,
		Segment: domain.SegmentCriteria{Stages: []string{"lead"}, Sources: []string{"web"}, CreatedFrom: &from, CreatedTo: &to},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ids := contactIDs(got); len(ids) != 1 || ids[0] != "c3" {
		t.Fatalf("unexpected segment %v", ids)
	}
}

func TestResolveUnknownType(t *testing.T) {
	r := &Resolver{Store: memory.New()}
	if _, err := r.Resolve(context.Background(), domain.Targeting{Type: "vip"}); err == nil {
		t.Fatalf("expected error for unknown target type")
	}
}
