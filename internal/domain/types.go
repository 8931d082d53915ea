package domain

import (
	"errors"
	"time"

	"blast/internal/content"
)

type CampaignStatus string

const (
	StatusDraft     CampaignStatus = "draft"
	StatusScheduled CampaignStatus = "scheduled"
	StatusRunning   CampaignStatus = "running"
	StatusPaused    CampaignStatus = "paused"
	StatusCompleted CampaignStatus = "completed"
	StatusFailed    CampaignStatus = "failed"
)

// IsTerminal reports whether the campaign can no longer change (other than deletion).
func (s CampaignStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type TargetType string

const (
	TargetAll     TargetType = "all"
	TargetList    TargetType = "list"
	TargetSegment TargetType = "segment"
)

type SendStatus string

const (
	SendPending SendStatus = "pending"
	SendSent    SendStatus = "sent"
	SendFailed  SendStatus = "failed"
)

type EndpointStatus string

const (
	EndpointConnected    EndpointStatus = "connected"
	EndpointConnecting   EndpointStatus = "connecting"
	EndpointDisconnected EndpointStatus = "disconnected"
)

// AdhocSource tags contacts materialized from raw numbers in a list targeting.
const AdhocSource = "campaign_adhoc"

type SegmentCriteria struct {
	Stages      []string   `json:"stages,omitempty"`
	Sources     []string   `json:"sources,omitempty"`
	CreatedFrom *time.Time `json:"createdFrom,omitempty"`
	CreatedTo   *time.Time `json:"createdTo,omitempty"`
}

type Targeting struct {
	Type    TargetType      `json:"targetType"`
	List    []string        `json:"list,omitempty"`
	Segment SegmentCriteria `json:"segment,omitempty"`
}

// Pacing holds the operator configured send cadence. Zero values mean "use the
// process defaults".
type Pacing struct {
	MinDelay       time.Duration `json:"minDelay"`
	MaxDelay       time.Duration `json:"maxDelay"`
	RotationDelay  time.Duration `json:"delayBetweenEndpointSwitches"`
	MaxPerEndpoint int           `json:"maxMessagesPerEndpoint"`
}

// WithDefaults fills zero fields from def.
func (p Pacing) WithDefaults(def Pacing) Pacing {
	if p.MinDelay == 0 && p.MaxDelay == 0 {
		p.MinDelay, p.MaxDelay = def.MinDelay, def.MaxDelay
	}
	if p.RotationDelay == 0 {
		p.RotationDelay = def.RotationDelay
	}
	if p.MaxPerEndpoint <= 0 {
		p.MaxPerEndpoint = def.MaxPerEndpoint
	}
	return p
}

type Campaign struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	Status        CampaignStatus     `json:"status"`
	Targeting     Targeting          `json:"targeting"`
	Message       content.Definition `json:"-"`
	Endpoints     []string           `json:"endpoints"`
	Pacing        Pacing             `json:"pacing"`
	TotalContacts int                `json:"totalContacts"`
	SentCount     int                `json:"sentCount"`
	FailedCount   int                `json:"failedCount"`
	LastError     string             `json:"lastError,omitempty"`
	ScheduledAt   *time.Time         `json:"scheduledAt,omitempty"`
	CreatedAt     time.Time          `json:"createdAt"`
	StartedAt     *time.Time         `json:"startedAt,omitempty"`
	CompletedAt   *time.Time         `json:"completedAt,omitempty"`
}

type Counters struct {
	TotalContacts int `json:"totalContacts"`
	SentCount     int `json:"sentCount"`
	FailedCount   int `json:"failedCount"`
}

// Percentage is the share of the audience already attempted, 0..100.
func (c Counters) Percentage() float64 {
	if c.TotalContacts <= 0 {
		return 0
	}
	return float64(c.SentCount+c.FailedCount) * 100 / float64(c.TotalContacts)
}

type Contact struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Stage     string    `json:"stage,omitempty"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Recipient is one resolved member of a campaign audience. Every recipient maps
// to a durable contact.
type Recipient struct {
	ContactID string `json:"contactId"`
	Name      string `json:"name"`
	Address   string `json:"address"`
}

func (r Recipient) Vars() map[string]string {
	return map[string]string{"name": r.Name, "phone": r.Address}
}

type SendRecord struct {
	ID         string     `json:"id"`
	CampaignID string     `json:"campaignId"`
	ContactID  string     `json:"contactId"`
	EndpointID string     `json:"endpointId"`
	Status     SendStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

type Endpoint struct {
	ID        string         `json:"id"`
	Status    EndpointStatus `json:"status"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

var (
	ErrNotFound      = errors.New("not found")
	ErrMissingFields = errors.New("missing required fields")
)
