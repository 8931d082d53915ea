package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"blast/internal/audience"
	"blast/internal/content"
	"blast/internal/domain"
	"blast/internal/errorlog"
	"blast/internal/pacing"
	"blast/internal/progress"
	"blast/internal/store/memory"
	"blast/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sendCall struct {
	EndpointID string
	To         string
	Text       string
}

type fakeTransport struct {
	mu     sync.Mutex
	calls  []sendCall
	onSend func(n int) error
}

func (f *fakeTransport) Send(ctx context.Context, endpointID, to string, p transport.Payload) (transport.Receipt, error) {
	f.mu.Lock()
	f.calls = append(f.calls, sendCall{EndpointID: endpointID, To: to, Text: p.Text})
	n := len(f.calls)
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		if err := hook(n); err != nil {
			return transport.Receipt{}, err
		}
	}
	return transport.Receipt{MessageID: fmt.Sprintf("m%d", n), EndpointID: endpointID}, nil
}

func (f *fakeTransport) Calls() []sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sendCall(nil), f.calls...)
}

type harness struct {
	st     *memory.Store
	tr     *fakeTransport
	hub    *progress.Hub
	errs   *bytes.Buffer
	runner *Runner

	mu     sync.Mutex
	sleeps []time.Duration
}

const campaignID = "cmp_1"

func newHarness(t *testing.T, contacts int, endpoints []string, pc domain.Pacing) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		st:   memory.New(),
		tr:   &fakeTransport{},
		hub:  progress.NewHub(256),
		errs: &bytes.Buffer{},
	}
	for i := 1; i <= contacts; i++ {
		if err := h.st.InsertContact(ctx, domain.Contact{
			ID:    fmt.Sprintf("c%d", i),
			Name:  fmt.Sprintf("Contact %d", i),
			Phone: fmt.Sprintf("+1555000000%d", i),
		}); err != nil {
			t.Fatalf("insert contact: %v", err)
		}
	}
	if err := h.st.InsertCampaign(ctx, domain.Campaign{
		ID:        campaignID,
		Name:      "spring promo",
		Status:    domain.StatusRunning,
		Targeting: domain.Targeting{Type: domain.TargetAll},
		Message:   content.Text{Body: "Hi {name}"},
		Endpoints: endpoints,
		Pacing:    pc,
	}); err != nil {
		t.Fatalf("insert campaign: %v", err)
	}
	h.runner = &Runner{
		Store:     h.st,
		Resolver:  &audience.Resolver{Store: h.st},
		Transport: h.tr,
		Planner:   content.NewPlanner(),
		Events:    h.hub,
		ErrorLog:  errorlog.New(h.errs),
		Sleep:     h.sleep,
	}
	return h
}

func (h *harness) sleep(ctx context.Context, d time.Duration) error {
	h.mu.Lock()
	h.sleeps = append(h.sleeps, d)
	h.mu.Unlock()
	return ctx.Err()
}

func (h *harness) campaign(t *testing.T) domain.Campaign {
	t.Helper()
	c, err := h.st.GetCampaign(context.Background(), campaignID)
	if err != nil {
		t.Fatalf("get campaign: %v", err)
	}
	return c
}

func (h *harness) records(t *testing.T) []domain.SendRecord {
	t.Helper()
	recs, err := h.st.ListSendRecords(context.Background(), campaignID)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	return recs
}

func TestRotationAcrossTwoEndpoints(t *testing.T) {
	h := newHarness(t, 3, []string{"ep-a", "ep-b"}, domain.Pacing{
		MinDelay:       time.Second,
		MaxDelay:       time.Second,
		RotationDelay:  2 * time.Second,
		MaxPerEndpoint: 1,
	})
	if err := h.runner.Run(context.Background(), campaignID); err != nil {
		t.Fatalf("run: %v", err)
	}

	var got []string
	for _, c := range h.tr.Calls() {
		got = append(got, c.EndpointID)
	}
	if strings.Join(got, ",") != "ep-a,ep-b,ep-a" {
		t.Fatalf("unexpected endpoint sequence %v", got)
	}
	for i, r := range h.records(t) {
		if r.EndpointID != got[i] {
			t.Fatalf("record %d endpoint %s, want %s", i, r.EndpointID, got[i])
		}
	}

	if len(h.sleeps) == 0 || h.sleeps[0] != pacing.WarmUp {
		t.Fatalf("expected warm-up first, got %v", h.sleeps)
	}
	var switches, paces int
	for _, d := range h.sleeps[1:] {
		switch {
		case d == 2*time.Second:
			switches++
		case d >= time.Second && d <= 1200*time.Millisecond:
			paces++
		default:
			t.Fatalf("unexpected sleep %v", d)
		}
	}
	if switches != 2 || paces != 2 {
		t.Fatalf("expected 2 switch and 2 pacing sleeps, got %d and %d", switches, paces)
	}

	c := h.campaign(t)
	if c.Status != domain.StatusCompleted || c.CompletedAt == nil {
		t.Fatalf("expected completed with timestamp, got %+v", c)
	}
}

func TestOneNotConnectedFailureDoesNotAbortRun(t *testing.T) {
	h := newHarness(t, 5, []string{"ep-a"}, domain.Pacing{MinDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond})
	h.tr.onSend = func(n int) error {
		if n == 2 {
			return &transport.Error{EndpointID: "ep-a", HTTPStatus: 409, Err: transport.ErrNotConnected}
		}
		return nil
	}
	if err := h.runner.Run(context.Background(), campaignID); err != nil {
		t.Fatalf("run: %v", err)
	}

	if n := len(h.tr.Calls()); n != 5 {
		t.Fatalf("expected 5 transport calls, got %d", n)
	}
	c := h.campaign(t)
	if c.SentCount != 4 || c.FailedCount != 1 || c.TotalContacts != 5 {
		t.Fatalf("unexpected counters sent=%d failed=%d total=%d", c.SentCount, c.FailedCount, c.TotalContacts)
	}
	if c.SentCount+c.FailedCount != c.TotalContacts {
		t.Fatalf("counters do not add up to the audience")
	}
	if c.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", c.Status)
	}

	recs := h.records(t)
	if len(recs) != 5 {
		t.Fatalf("expected 5 records, got %d", len(recs))
	}
	if recs[1].Status != domain.SendFailed || recs[1].Error == "" || recs[1].ContactID != "c2" {
		t.Fatalf("unexpected record #2 %+v", recs[1])
	}
	for _, i := range []int{0, 2, 3, 4} {
		if recs[i].Status != domain.SendSent {
			t.Fatalf("record %d should be sent, got %s", i, recs[i].Status)
		}
	}

	lines := strings.Split(strings.TrimSpace(h.errs.String()), "\n")
	if len(lines) != 1 || !strings.Contains(lines[0], `"recipient_id":"c2"`) {
		t.Fatalf("expected one error log line for c2, got %q", h.errs.String())
	}
}

func TestMessagesAreRenderedPerRecipient(t *testing.T) {
	h := newHarness(t, 2, []string{"ep-a"}, domain.Pacing{})
	if err := h.runner.Run(context.Background(), campaignID); err != nil {
		t.Fatalf("run: %v", err)
	}
	calls := h.tr.Calls()
	if calls[0].Text != "Hi Contact 1" || calls[1].To != "+15550000002" {
		t.Fatalf("unexpected calls %+v", calls)
	}
}

func TestEmptyAudienceCompletesWithoutTransport(t *testing.T) {
	h := newHarness(t, 0, []string{"ep-a"}, domain.Pacing{})
	events, unsubscribe := h.hub.Subscribe()
	defer unsubscribe()

	if err := h.runner.Run(context.Background(), campaignID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if n := len(h.tr.Calls()); n != 0 {
		t.Fatalf("transport must not be called, got %d calls", n)
	}
	c := h.campaign(t)
	if c.Status != domain.StatusCompleted || c.SentCount != 0 || c.FailedCount != 0 || c.TotalContacts != 0 {
		t.Fatalf("unexpected campaign %+v", c)
	}
	select {
	case ev := <-events:
		if ev.Kind != progress.KindCompleted || ev.CampaignID != campaignID {
			t.Fatalf("unexpected event %+v", ev)
		}
	default:
		t.Fatalf("expected completion event")
	}
}

func TestProgressEventAfterEverySuccessfulSend(t *testing.T) {
	h := newHarness(t, 3, []string{"ep-a"}, domain.Pacing{})
	events, unsubscribe := h.hub.Subscribe()
	defer unsubscribe()

	if err := h.runner.Run(context.Background(), campaignID); err != nil {
		t.Fatalf("run: %v", err)
	}
	var kinds []progress.Kind
	var last progress.Event
	for len(events) > 0 {
		ev := <-events
		kinds = append(kinds, ev.Kind)
		if ev.Kind == progress.KindProgress {
			last = ev
		}
	}
	if len(kinds) != 4 || kinds[3] != progress.KindCompleted {
		t.Fatalf("unexpected events %v", kinds)
	}
	if last.SentCount != 3 || last.TotalContacts != 3 || last.Percentage != 100 {
		t.Fatalf("unexpected last progress %+v", last)
	}
}

func TestPauseStopsBeforeTheNextRecord(t *testing.T) {
	h := newHarness(t, 5, []string{"ep-a"}, domain.Pacing{})
	h.tr.onSend = func(n int) error {
		if n == 2 {
			h.st.SetStatus(campaignID, domain.StatusPaused)
		}
		return nil
	}
	if err := h.runner.Run(context.Background(), campaignID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if n := len(h.records(t)); n != 2 {
		t.Fatalf("expected only the in-flight record after pause, got %d", n)
	}
	c := h.campaign(t)
	if c.Status != domain.StatusPaused || c.SentCount != 2 {
		t.Fatalf("unexpected campaign after pause %+v", c)
	}
}

func TestPauseMidRunPublishesStopped(t *testing.T) {
	h := newHarness(t, 3, []string{"ep-a"}, domain.Pacing{})
	events, unsubscribe := h.hub.Subscribe()
	defer unsubscribe()
	h.tr.onSend = func(n int) error {
		if n == 1 {
			h.st.SetStatus(campaignID, domain.StatusPaused)
		}
		return nil
	}
	if err := h.runner.Run(context.Background(), campaignID); err != nil {
		t.Fatalf("run: %v", err)
	}
	var got []progress.Event
	for len(events) > 0 {
		got = append(got, <-events)
	}
	if len(got) != 2 || got[0].Kind != progress.KindProgress || got[1].Kind != progress.KindStopped {
		t.Fatalf("unexpected events %+v", got)
	}
	if got[1].SentCount != 1 || got[1].TotalContacts != 3 {
		t.Fatalf("stopped event should carry counters, got %+v", got[1])
	}
}

func TestResumeContinuesCounters(t *testing.T) {
	h := newHarness(t, 5, []string{"ep-a"}, domain.Pacing{})
	h.tr.onSend = func(n int) error {
		if n == 2 {
			h.st.SetStatus(campaignID, domain.StatusPaused)
		}
		return nil
	}
	if err := h.runner.Run(context.Background(), campaignID); err != nil {
		t.Fatalf("first run: %v", err)
	}

	h.st.SetStatus(campaignID, domain.StatusRunning)
	if err := h.runner.Run(context.Background(), campaignID); err != nil {
		t.Fatalf("second run: %v", err)
	}

	c := h.campaign(t)
	if c.SentCount != 5 || c.FailedCount != 0 || c.Status != domain.StatusCompleted {
		t.Fatalf("unexpected campaign after resume %+v", c)
	}
	recs := h.records(t)
	if len(recs) != 5 {
		t.Fatalf("expected no duplicate records, got %d", len(recs))
	}
	seen := map[string]bool{}
	for _, r := range recs {
		if seen[r.ContactID] {
			t.Fatalf("contact %s attempted twice", r.ContactID)
		}
		seen[r.ContactID] = true
	}
}

func TestReplayResumeWalksWholeAudience(t *testing.T) {
	h := newHarness(t, 3, []string{"ep-a"}, domain.Pacing{})
	h.runner.ResumeMode = ResumeReplay
	h.tr.onSend = func(n int) error {
		if n == 1 {
			h.st.SetStatus(campaignID, domain.StatusPaused)
		}
		return nil
	}
	if err := h.runner.Run(context.Background(), campaignID); err != nil {
		t.Fatalf("first run: %v", err)
	}
	h.st.SetStatus(campaignID, domain.StatusRunning)
	if err := h.runner.Run(context.Background(), campaignID); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if n := len(h.tr.Calls()); n != 4 {
		t.Fatalf("expected 1+3 transport calls, got %d", n)
	}
	if c := h.campaign(t); c.SentCount != 4 {
		t.Fatalf("counters keep growing across runs, got %d", c.SentCount)
	}
}

func TestStoreFailureFailsCampaign(t *testing.T) {
	h := newHarness(t, 3, []string{"ep-a"}, domain.Pacing{})
	events, unsubscribe := h.hub.Subscribe()
	defer unsubscribe()

	dbDown := errors.New("connection refused")
	h.st.Fail = func(op string) error {
		if op == "UpdateSendRecord" {
			return dbDown
		}
		return nil
	}
	err := h.runner.Run(context.Background(), campaignID)
	if !errors.Is(err, dbDown) {
		t.Fatalf("expected store error, got %v", err)
	}
	if n := len(h.tr.Calls()); n != 1 {
		t.Fatalf("no recipient after a fatal error, got %d calls", n)
	}
	c := h.campaign(t)
	if c.Status != domain.StatusFailed || !strings.Contains(c.LastError, "connection refused") {
		t.Fatalf("expected failed campaign, got %+v", c)
	}
	var sawFailed bool
	for len(events) > 0 {
		if ev := <-events; ev.Kind == progress.KindFailed {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Fatalf("expected failed event")
	}
}

func TestUndecodableMessageFailsEachRecipientWithCause(t *testing.T) {
	h := newHarness(t, 2, []string{"ep-a"}, domain.Pacing{})
	c := h.campaign(t)
	c.Message = content.Undecodable{Err: fmt.Errorf("%w: bad envelope", content.ErrInvalidContent)}
	if err := h.st.InsertCampaign(context.Background(), c); err != nil {
		t.Fatalf("reinsert campaign: %v", err)
	}

	if err := h.runner.Run(context.Background(), campaignID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if n := len(h.tr.Calls()); n != 0 {
		t.Fatalf("transport must not be called, got %d", n)
	}
	for _, rec := range h.records(t) {
		if rec.Status != domain.SendFailed || !strings.Contains(rec.Error, "bad envelope") {
			t.Fatalf("expected failed record with decode cause, got %+v", rec)
		}
	}
	if !strings.Contains(h.errs.String(), "bad envelope") {
		t.Fatalf("error log should carry the decode cause: %s", h.errs.String())
	}
	if c := h.campaign(t); c.Status != domain.StatusCompleted || c.FailedCount != 2 {
		t.Fatalf("unexpected campaign %+v", c)
	}
}

func TestNoEndpointsIsFatal(t *testing.T) {
	h := newHarness(t, 2, nil, domain.Pacing{})
	if err := h.runner.Run(context.Background(), campaignID); !errors.Is(err, ErrNoEndpoints) {
		t.Fatalf("expected ErrNoEndpoints, got %v", err)
	}
	if c := h.campaign(t); c.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", c.Status)
	}
}

func TestUnsupportedContentFailsPerRecipient(t *testing.T) {
	h := newHarness(t, 2, []string{"ep-a"}, domain.Pacing{})
	c := h.campaign(t)
	c.Message = content.Poll{Question: "Lunch?", Options: []string{"pizza", "salad"}}
	if err := h.st.InsertCampaign(context.Background(), c); err != nil {
		t.Fatalf("update campaign: %v", err)
	}
	if err := h.runner.Run(context.Background(), campaignID); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := h.campaign(t)
	if got.FailedCount != 2 || got.Status != domain.StatusCompleted {
		t.Fatalf("expected two per-recipient failures, got %+v", got)
	}
	if recs := h.records(t); !strings.Contains(recs[0].Error, transport.ErrUnsupported.Error()) {
		t.Fatalf("unexpected record error %q", recs[0].Error)
	}
}

func TestShutdownLeavesCampaignRunning(t *testing.T) {
	h := newHarness(t, 3, []string{"ep-a"}, domain.Pacing{})
	ctx, cancel := context.WithCancel(context.Background())
	h.tr.onSend = func(n int) error {
		if n == 1 {
			cancel()
		}
		return nil
	}
	if err := h.runner.Run(ctx, campaignID); err != nil {
		t.Fatalf("shutdown is not a failure: %v", err)
	}
	c := h.campaign(t)
	if c.Status != domain.StatusRunning {
		t.Fatalf("expected status untouched, got %s", c.Status)
	}
	if n := len(h.tr.Calls()); n != 1 {
		t.Fatalf("expected the loop to stop after cancel, got %d calls", n)
	}
}

func TestParseResumeMode(t *testing.T) {
	if m, err := ParseResumeMode(""); err != nil || m != ResumeSkipAttempted {
		t.Fatalf("default should be skip_attempted, got %q %v", m, err)
	}
	if m, err := ParseResumeMode("replay"); err != nil || m != ResumeReplay {
		t.Fatalf("got %q %v", m, err)
	}
	if _, err := ParseResumeMode("rewind"); err == nil {
		t.Fatalf("expected error")
	}
}
