package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "blast_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	Sends = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "blast_sends_total", Help: "Per-recipient send outcomes"},
		[]string{"result", "kind"},
	)
	SendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "blast_send_latency_seconds", Help: "Latency of delivering one recipient's content"},
	)
	CampaignRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "blast_campaign_runs_total", Help: "Dispatch loop exits"},
		[]string{"outcome"},
	)
	ActiveRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "blast_active_runs", Help: "Dispatch loops currently alive"},
	)
	Rotations = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "blast_endpoint_rotations_total", Help: "Endpoint switches during dispatch"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "blast_webhook_events_total", Help: "Endpoint status webhook events"},
		[]string{"status"},
	)
	ControlCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "blast_control_commands_total", Help: "Control commands by action and outcome"},
		[]string{"action", "outcome"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, Sends, SendLatency, CampaignRuns, ActiveRuns, Rotations, WebhookEvents, ControlCommands)
}
