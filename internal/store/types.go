package store

import (
	"time"

	"blast/internal/domain"
)

type StatusTransition struct {
	CampaignID string
	From       []domain.CampaignStatus
	To         domain.CampaignStatus
	Now        time.Time
}

type CampaignFinish struct {
	CampaignID string
	Status     domain.CampaignStatus // completed or failed
	LastError  string
	Now        time.Time
}

type SendRecordInsert struct {
	ID         string
	CampaignID string
	ContactID  string
	EndpointID string
	Now        time.Time
}

type SendRecordUpdate struct {
	ID     string
	Status domain.SendStatus
	Error  string
	Now    time.Time
}

type EndpointStatusUpdate struct {
	EndpointID string
	Status     domain.EndpointStatus
	Now        time.Time
}
