package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"blast/internal/content"
	"blast/internal/domain"
	"blast/internal/store"
	"blast/internal/util"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

const campaignColumns = `
	id, name, status, target_json, message_json, endpoints,
	min_delay_ms, max_delay_ms, rotation_delay_ms, max_per_endpoint,
	total_contacts, sent_count, failed_count, COALESCE(last_error,''),
	scheduled_at, created_at, started_at, completed_at`

func (s *Store) InsertCampaign(ctx context.Context, c domain.Campaign) error {
	target, err := json.Marshal(c.Targeting)
	if err != nil {
		return err
	}
	msg, err := content.Encode(c.Message)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if c.Status == "" {
		c.Status = domain.StatusDraft
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = util.NowUTC()
	}
	if c.Endpoints == nil {
		c.Endpoints = []string{}
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO campaigns (id, name, status, target_json, message_json, endpoints,
			min_delay_ms, max_delay_ms, rotation_delay_ms, max_per_endpoint, scheduled_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, c.ID, c.Name, string(c.Status), target, msg, c.Endpoints,
		c.Pacing.MinDelay.Milliseconds(), c.Pacing.MaxDelay.Milliseconds(),
		c.Pacing.RotationDelay.Milliseconds(), c.Pacing.MaxPerEndpoint, c.ScheduledAt, c.CreatedAt)
	return err
}

func (s *Store) GetCampaign(ctx context.Context, id string) (domain.Campaign, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id=$1`, id)
	c, err := scanCampaign(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Campaign{}, domain.ErrNotFound
		}
		return domain.Campaign{}, err
	}
	return c, nil
}

func scanCampaign(row pgx.Row) (domain.Campaign, error) {
	var (
		c                       domain.Campaign
		status                  string
		targetJSON, messageJSON []byte
		minMs, maxMs, rotMs     int64
	)
	err := row.Scan(&c.ID, &c.Name, &status, &targetJSON, &messageJSON, &c.Endpoints,
		&minMs, &maxMs, &rotMs, &c.Pacing.MaxPerEndpoint,
		&c.TotalContacts, &c.SentCount, &c.FailedCount, &c.LastError,
		&c.ScheduledAt, &c.CreatedAt, &c.StartedAt, &c.CompletedAt)
	if err != nil {
		return domain.Campaign{}, err
	}
	c.Status = domain.CampaignStatus(status)
	c.Pacing.MinDelay = time.Duration(minMs) * time.Millisecond
	c.Pacing.MaxDelay = time.Duration(maxMs) * time.Millisecond
	c.Pacing.RotationDelay = time.Duration(rotMs) * time.Millisecond
	if err := json.Unmarshal(targetJSON, &c.Targeting); err != nil {
		return domain.Campaign{}, fmt.Errorf("campaign %s targeting: %w", c.ID, err)
	}
	// A bad message is reported at send time, per recipient, so the row is
	// still readable for the control surface.
	def, err := content.Decode(messageJSON)
	if err != nil {
		def = content.Undecodable{Err: err}
	}
	c.Message = def
	return c, nil
}

func (s *Store) GetCampaignStatus(ctx context.Context, id string) (domain.CampaignStatus, error) {
	var st string
	err := s.DB.QueryRow(ctx, `SELECT status FROM campaigns WHERE id=$1`, id).Scan(&st)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", err
	}
	return domain.CampaignStatus(st), nil
}

// TransitionStatus moves a campaign to in.To only if its current status is one
// of in.From. It reports false, without error, when the guard does not match.
func (s *Store) TransitionStatus(ctx context.Context, in store.StatusTransition) (bool, error) {
	from := make([]string, len(in.From))
	for i, f := range in.From {
		from[i] = string(f)
	}
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns
		SET status=$2,
		    started_at = CASE WHEN $2='running' THEN COALESCE(started_at, $4) ELSE started_at END
		WHERE id=$1 AND status = ANY($3)
	`, in.CampaignID, string(in.To), from, in.Now)
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := s.GetCampaignStatus(ctx, in.CampaignID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) SetTotalContacts(ctx context.Context, id string, total int) error {
	_, err := s.DB.Exec(ctx, `UPDATE campaigns SET total_contacts=$2 WHERE id=$1`, id, total)
	return err
}

// IncrementCounters applies the deltas in one row update so concurrent
// writers never lose an increment.
func (s *Store) IncrementCounters(ctx context.Context, id string, sent, failed int) (domain.Counters, error) {
	var out domain.Counters
	err := s.DB.QueryRow(ctx, `
		UPDATE campaigns
		SET sent_count = sent_count + $2, failed_count = failed_count + $3
		WHERE id=$1
		RETURNING total_contacts, sent_count, failed_count
	`, id, sent, failed).Scan(&out.TotalContacts, &out.SentCount, &out.FailedCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Counters{}, domain.ErrNotFound
		}
		return domain.Counters{}, err
	}
	return out, nil
}

func (s *Store) FinishCampaign(ctx context.Context, in store.CampaignFinish) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET status=$2, last_error=$3, completed_at=$4
		WHERE id=$1 AND status='running'
	`, in.CampaignID, string(in.Status), nullIfEmpty(in.LastError), in.Now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) DeleteCampaign(ctx context.Context, id string) (bool, error) {
	ct, err := s.DB.Exec(ctx, `DELETE FROM campaigns WHERE id=$1 AND status <> 'running'`, id)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) ListCampaignIDsByStatus(ctx context.Context, status domain.CampaignStatus) ([]string, error) {
	return s.queryIDs(ctx, `SELECT id FROM campaigns WHERE status=$1 ORDER BY id`, string(status))
}

func (s *Store) ListDueScheduled(ctx context.Context, now time.Time) ([]string, error) {
	return s.queryIDs(ctx, `
		SELECT id FROM campaigns
		WHERE status='scheduled' AND scheduled_at IS NOT NULL AND scheduled_at <= $1
		ORDER BY scheduled_at, id
	`, now)
}

func (s *Store) queryIDs(ctx context.Context, sql string, args ...any) ([]string, error) {
	rows, err := s.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) InsertSendRecord(ctx context.Context, in store.SendRecordInsert) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO send_records (id, campaign_id, contact_id, endpoint_id, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,'pending',$5,$5)
	`, in.ID, in.CampaignID, in.ContactID, in.EndpointID, in.Now)
	return err
}

func (s *Store) UpdateSendRecord(ctx context.Context, in store.SendRecordUpdate) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE send_records SET status=$2, error=$3, updated_at=$4 WHERE id=$1
	`, in.ID, string(in.Status), nullIfEmpty(in.Error), in.Now)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) ListSendRecords(ctx context.Context, campaignID string) ([]domain.SendRecord, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, campaign_id, contact_id, endpoint_id, status, COALESCE(error,''), created_at, updated_at
		FROM send_records WHERE campaign_id=$1 ORDER BY id
	`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SendRecord
	for rows.Next() {
		var r domain.SendRecord
		var st string
		if err := rows.Scan(&r.ID, &r.CampaignID, &r.ContactID, &r.EndpointID, &st, &r.Error, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Status = domain.SendStatus(st)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) AttemptedContacts(ctx context.Context, campaignID string) (map[string]bool, error) {
	ids, err := s.queryIDs(ctx, `
		SELECT DISTINCT contact_id FROM send_records
		WHERE campaign_id=$1 AND status IN ('sent','failed')
	`, campaignID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

const contactColumns = `id, name, phone, stage, source, created_at`

func (s *Store) InsertContact(ctx context.Context, c domain.Contact) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = util.NowUTC()
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO contacts (`+contactColumns+`) VALUES ($1,$2,$3,$4,$5,$6)
	`, c.ID, c.Name, c.Phone, c.Stage, c.Source, c.CreatedAt)
	return err
}

func (s *Store) ListContacts(ctx context.Context, excludeStages []string) ([]domain.Contact, error) {
	if excludeStages == nil {
		excludeStages = []string{}
	}
	return s.queryContacts(ctx, `
		SELECT `+contactColumns+` FROM contacts
		WHERE NOT (stage = ANY($1))
		ORDER BY created_at, id
	`, excludeStages)
}

func (s *Store) GetContactsByIDs(ctx context.Context, ids []string) ([]domain.Contact, error) {
	return s.queryContacts(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = ANY($1)`, ids)
}

// FindContacts applies every non-empty criterion conjunctively.
func (s *Store) FindContacts(ctx context.Context, c domain.SegmentCriteria) ([]domain.Contact, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if len(c.Stages) > 0 {
		add("stage = ANY($%d)", c.Stages)
	}
	if len(c.Sources) > 0 {
		add("source = ANY($%d)", c.Sources)
	}
	if c.CreatedFrom != nil {
		add("created_at >= $%d", *c.CreatedFrom)
	}
	if c.CreatedTo != nil {
		add("created_at <= $%d", *c.CreatedTo)
	}
	q := `SELECT ` + contactColumns + ` FROM contacts`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at, id`
	return s.queryContacts(ctx, q, args...)
}

func (s *Store) UpsertContactByPhone(ctx context.Context, phone, source string, now time.Time) (domain.Contact, error) {
	// DO UPDATE with a no-op assignment so RETURNING also yields the existing row.
	row := s.DB.QueryRow(ctx, `
		INSERT INTO contacts (id, name, phone, stage, source, created_at)
		VALUES ($1,$2,$2,'',$3,$4)
		ON CONFLICT (phone) DO UPDATE SET phone = EXCLUDED.phone
		RETURNING `+contactColumns, util.NewID("ct"), phone, source, now)
	var c domain.Contact
	if err := row.Scan(&c.ID, &c.Name, &c.Phone, &c.Stage, &c.Source, &c.CreatedAt); err != nil {
		return domain.Contact{}, err
	}
	return c, nil
}

func (s *Store) queryContacts(ctx context.Context, sql string, args ...any) ([]domain.Contact, error) {
	rows, err := s.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Contact
	for rows.Next() {
		var c domain.Contact
		if err := rows.Scan(&c.ID, &c.Name, &c.Phone, &c.Stage, &c.Source, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpsertEndpointStatus(ctx context.Context, in store.EndpointStatusUpdate) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO endpoints (id, status, updated_at) VALUES ($1,$2,$3)
		ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, updated_at=EXCLUDED.updated_at
		WHERE endpoints.updated_at <= EXCLUDED.updated_at
	`, in.EndpointID, string(in.Status), in.Now)
	return err
}

func (s *Store) GetEndpoint(ctx context.Context, id string) (domain.Endpoint, error) {
	var ep domain.Endpoint
	var st string
	err := s.DB.QueryRow(ctx, `SELECT id, status, updated_at FROM endpoints WHERE id=$1`, id).Scan(&ep.ID, &st, &ep.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Endpoint{}, domain.ErrNotFound
		}
		return domain.Endpoint{}, err
	}
	ep.Status = domain.EndpointStatus(st)
	return ep, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
