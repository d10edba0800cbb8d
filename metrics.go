package tagbox

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

var (
	commandsExecuted = metrics.NewCounter(`tagbox_commands_total{status="ok"}`)
	commandsFailed   = metrics.NewCounter(`tagbox_commands_total{status="failed"}`)
	commandsEmpty    = metrics.NewCounter(`tagbox_commands_total{status="empty"}`)
	commandRetries   = metrics.NewCounter(`tagbox_command_retries_total`)
	reserveConflicts = metrics.NewCounter(`tagbox_reservation_conflicts_total`)
	eventsWritten    = metrics.NewCounter(`tagbox_events_written_total`)
	lateSafeEvents   = metrics.NewCounter(`tagbox_projection_late_events_total`)
	duplicateEvents  = metrics.NewCounter(`tagbox_projection_duplicate_events_total`)
	providerDups     = metrics.NewCounter(`tagbox_provider_duplicates_total`)
	commandDuration  = metrics.NewSummary(`tagbox_command_duration_seconds`)
)

func providerDelivered(phase string) *metrics.Counter {
	return metrics.GetOrCreateCounter(
		`tagbox_provider_events_total{phase="` + phase + `"}`,
	)
}

// WriteMetrics writes every tagbox metric in Prometheus text format
func WriteMetrics(w io.Writer) {
	metrics.WritePrometheus(w, false)
}
