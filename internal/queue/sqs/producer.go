package sqsqueue

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"blast/internal/util"
)

// ActionLaunch asks the dispatcher to make sure a loop runs for a campaign.
const ActionLaunch = "launch"

type ControlCommand struct {
	Action     string    `json:"action"`
	CampaignID string    `json:"campaignId"`
	IssuedAt   time.Time `json:"issuedAt"`
}

// API is the subset of *sqs.Client the queue uses.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type Producer struct {
	SQS      API
	QueueURL string
}

// Launch enqueues a launch command. It satisfies dispatch.Launcher for the
// API process.
func (p *Producer) Launch(ctx context.Context, campaignID string) error {
	return p.Enqueue(ctx, ControlCommand{Action: ActionLaunch, CampaignID: campaignID, IssuedAt: util.NowUTC()})
}

func (p *Producer) Enqueue(ctx context.Context, cmd ControlCommand) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	}
	if strings.HasSuffix(p.QueueURL, ".fifo") {
		// commands for one campaign stay ordered
		in.MessageGroupId = str(cmd.CampaignID)
		in.MessageDeduplicationId = str(dedupID(cmd))
	}
	_, err = p.SQS.SendMessage(ctx, in)
	return err
}

func dedupID(cmd ControlCommand) string {
	return cmd.Action + ":" + cmd.CampaignID + ":" + strconv.FormatInt(cmd.IssuedAt.UnixMilli(), 10)
}

func str(s string) *string { return &s }
