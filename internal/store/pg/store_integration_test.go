//go:build integration
// +build integration

package pg

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"blast/internal/content"
	"blast/internal/domain"
	"blast/internal/store"
)

func TestCampaignLifecycle(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	st := New(db)

	now := time.Now().UTC().Truncate(time.Millisecond)
	insertContacts(t, st, "c1", "c2")

	camp := domain.Campaign{
		ID:        "cmp_1",
		Name:      "launch",
		Targeting: domain.Targeting{Type: domain.TargetList, List: []string{"c1", "c2"}},
		Message:   content.Text{Body: "Hi {name}"},
		Endpoints: []string{"a", "b"},
		Pacing:    domain.Pacing{MinDelay: time.Second, MaxDelay: 2 * time.Second, MaxPerEndpoint: 5},
	}
	if err := st.InsertCampaign(ctx, camp); err != nil {
		t.Fatalf("insert campaign: %v", err)
	}

	got, err := st.GetCampaign(ctx, "cmp_1")
	if err != nil {
		t.Fatalf("get campaign: %v", err)
	}
	if got.Status != domain.StatusDraft || len(got.Endpoints) != 2 || got.Pacing.MaxDelay != 2*time.Second {
		t.Fatalf("unexpected campaign %+v", got)
	}
	if txt, ok := got.Message.(content.Text); !ok || txt.Body != "Hi {name}" {
		t.Fatalf("message not decoded: %#v", got.Message)
	}

	ok, err := st.TransitionStatus(ctx, store.StatusTransition{
		CampaignID: "cmp_1",
		From:       []domain.CampaignStatus{domain.StatusDraft, domain.StatusScheduled},
		To:         domain.StatusRunning,
		Now:        now,
	})
	if err != nil || !ok {
		t.Fatalf("transition: ok=%v err=%v", ok, err)
	}
	ok, err = st.TransitionStatus(ctx, store.StatusTransition{
		CampaignID: "cmp_1",
		From:       []domain.CampaignStatus{domain.StatusDraft},
		To:         domain.StatusRunning,
		Now:        now,
	})
	if err != nil || ok {
		t.Fatalf("second transition should not apply: ok=%v err=%v", ok, err)
	}

	if deleted, err := st.DeleteCampaign(ctx, "cmp_1"); err != nil || deleted {
		t.Fatalf("running campaign must not be deleted: deleted=%v err=%v", deleted, err)
	}

	if err := st.SetTotalContacts(ctx, "cmp_1", 2); err != nil {
		t.Fatalf("set total: %v", err)
	}

	for i, contact := range []string{"c1", "c2"} {
		id := fmt.Sprintf("sr_%d", i)
		if err := st.InsertSendRecord(ctx, store.SendRecordInsert{ID: id, CampaignID: "cmp_1", ContactID: contact, EndpointID: "a", Now: now}); err != nil {
			t.Fatalf("insert record: %v", err)
		}
	}
	if err := st.UpdateSendRecord(ctx, store.SendRecordUpdate{ID: "sr_0", Status: domain.SendSent, Now: now}); err != nil {
		t.Fatalf("update record: %v", err)
	}
	c, err := st.IncrementCounters(ctx, "cmp_1", 1, 0)
	if err != nil || c.SentCount != 1 || c.TotalContacts != 2 {
		t.Fatalf("counters: %+v err=%v", c, err)
	}

	attempted, err := st.AttemptedContacts(ctx, "cmp_1")
	if err != nil {
		t.Fatalf("attempted: %v", err)
	}
	if !attempted["c1"] || attempted["c2"] {
		t.Fatalf("pending records must not count as attempted: %v", attempted)
	}

	recs, err := st.ListSendRecords(ctx, "cmp_1")
	if err != nil || len(recs) != 2 || recs[0].ID != "sr_0" || recs[0].Status != domain.SendSent || recs[1].Status != domain.SendPending {
		t.Fatalf("records: %+v err=%v", recs, err)
	}

	ids, err := st.ListCampaignIDsByStatus(ctx, domain.StatusRunning)
	if err != nil || len(ids) != 1 || ids[0] != "cmp_1" {
		t.Fatalf("running ids: %v err=%v", ids, err)
	}

	ok, err = st.FinishCampaign(ctx, store.CampaignFinish{CampaignID: "cmp_1", Status: domain.StatusCompleted, Now: now})
	if err != nil || !ok {
		t.Fatalf("finish: ok=%v err=%v", ok, err)
	}
	if s, _ := st.GetCampaignStatus(ctx, "cmp_1"); s != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", s)
	}

	if deleted, err := st.DeleteCampaign(ctx, "cmp_1"); err != nil || !deleted {
		t.Fatalf("delete: deleted=%v err=%v", deleted, err)
	}
	if _, err := st.GetCampaign(ctx, "cmp_1"); err != domain.ErrNotFound {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if recs, _ := st.ListSendRecords(ctx, "cmp_1"); len(recs) != 0 {
		t.Fatalf("records should cascade, got %d", len(recs))
	}
}

func TestFinishRespectsPause(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	st := New(db)

	if err := st.InsertCampaign(ctx, domain.Campaign{ID: "cmp_p", Name: "p", Status: domain.StatusPaused, Message: content.Text{Body: "x"}}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	ok, err := st.FinishCampaign(ctx, store.CampaignFinish{CampaignID: "cmp_p", Status: domain.StatusCompleted, Now: time.Now()})
	if err != nil || ok {
		t.Fatalf("paused campaign must not be finished: ok=%v err=%v", ok, err)
	}
}

func TestCorruptMessageKeepsDecodeError(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	st := New(db)

	if err := st.InsertCampaign(ctx, domain.Campaign{ID: "cmp_bad", Name: "bad", Message: content.Text{Body: "x"}}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := db.Exec(ctx, `UPDATE campaigns SET message_json = '{"type":"text","data":"oops"}' WHERE id = 'cmp_bad'`); err != nil {
		t.Fatalf("corrupt message: %v", err)
	}
	c, err := st.GetCampaign(ctx, "cmp_bad")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	u, ok := c.Message.(content.Undecodable)
	if !ok || !errors.Is(u.Err, content.ErrInvalidContent) {
		t.Fatalf("expected undecodable message, got %#v", c.Message)
	}
}

func TestDueScheduled(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	st := New(db)

	now := time.Now().UTC()
	past, future := now.Add(-time.Minute), now.Add(time.Hour)
	for id, at := range map[string]*time.Time{"due": &past, "later": &future, "unset": nil} {
		c := domain.Campaign{ID: id, Name: id, Status: domain.StatusScheduled, Message: content.Text{Body: "x"}, ScheduledAt: at}
		if err := st.InsertCampaign(ctx, c); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	ids, err := st.ListDueScheduled(ctx, now)
	if err != nil || len(ids) != 1 || ids[0] != "due" {
		t.Fatalf("due: %v err=%v", ids, err)
	}
}

func TestContactsAndEndpoints(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()
	st := New(db)

	insertContacts(t, st, "c1", "c2")
	first, err := st.UpsertContactByPhone(ctx, "+15559990000", domain.AdhocSource, time.Now())
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	second, err := st.UpsertContactByPhone(ctx, "+15559990000", domain.AdhocSource, time.Now())
	if err != nil || second.ID != first.ID {
		t.Fatalf("upsert should reuse contact: %+v vs %+v err=%v", first, second, err)
	}

	byID, err := st.GetContactsByIDs(ctx, []string{"c2", "nope"})
	if err != nil || len(byID) != 1 || byID[0].ID != "c2" {
		t.Fatalf("by ids: %+v err=%v", byID, err)
	}
	all, err := st.ListContacts(ctx, []string{"lost"})
	if err != nil || len(all) != 3 {
		t.Fatalf("list: %d err=%v", len(all), err)
	}

	if _, err := st.GetEndpoint(ctx, "a"); err != domain.ErrNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	for _, s := range []domain.EndpointStatus{domain.EndpointConnected, domain.EndpointDisconnected} {
		if err := st.UpsertEndpointStatus(ctx, store.EndpointStatusUpdate{EndpointID: "a", Status: s, Now: time.Now()}); err != nil {
			t.Fatalf("endpoint status: %v", err)
		}
	}
	ep, err := st.GetEndpoint(ctx, "a")
	if err != nil || ep.Status != domain.EndpointDisconnected {
		t.Fatalf("endpoint: %+v err=%v", ep, err)
	}
}

func insertContacts(t *testing.T, st *Store, ids ...string) {
	t.Helper()
	for i, id := range ids {
		c := domain.Contact{ID: id, Name: id, Phone: fmt.Sprintf("+1555000000%d", i), Stage: "lead"}
		if err := st.InsertContact(context.Background(), c); err != nil {
			t.Fatalf("insert contact %s: %v", id, err)
		}
	}
}

func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN not set")
	}

	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())
	admin, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect admin db: %v", err)
	}

	if _, err := admin.Exec(context.Background(), "CREATE SCHEMA "+schema); err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}

	dbDSN, err := withSearchPath(dsn, schema)
	if err != nil {
		admin.Close()
		t.Fatalf("build dsn: %v", err)
	}

	db, err := pgxpool.New(context.Background(), dbDSN)
	if err != nil {
		admin.Close()
		t.Fatalf("connect test db: %v", err)
	}

	sqlBytes, err := os.ReadFile(filepath.Join("..", "..", "..", "migrations", "001_init.sql"))
	if err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("read migrations: %v", err)
	}
	if _, err := db.Exec(context.Background(), string(sqlBytes)); err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	}
	return db, cleanup
}

func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	opts := q.Get("options")
	if opts != "" {
		opts = opts + " -c search_path=" + schema
	} else {
		opts = "-c search_path=" + schema
	}
	q.Set("options", opts)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
