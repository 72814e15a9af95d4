package p4

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricConnEstablishedCount = []string{"p4", "connection", "established", "count"}
	MetricConnRequestCount     = []string{"p4", "connection", "request", "count"}
	MetricConnDuplicateCount   = []string{"p4", "connection", "request", "duplicate", "count"}
	MetricConnErrorCount       = []string{"p4", "connection", "error", "count"}
	MetricWakeupCount          = []string{"p4", "listener", "wakeup", "count"}
	MetricHeldRequestCount     = []string{"p4", "listener", "held", "count"}
	MetricOutBytes             = []string{"p4", "transport", "out", "bytes"}
	MetricInBytes              = []string{"p4", "transport", "in", "bytes"}
	MetricBlockedSendCount     = []string{"p4", "transport", "send", "blocked", "count"}
	MetricPendingDepth         = []string{"p4", "transport", "pending", "depth"}
	MetricPeerDeathCount       = []string{"p4", "peer", "death", "count"}
	MetricBroadcastForwards    = []string{"p4", "broadcast", "forward", "count"}
	MetricBootstrapDuration    = []string{"p4", "bootstrap", "duration", "ms"}
	MetricAbortCount           = []string{"p4", "abort", "count"}
)

type TelemetryLabel string

var (
	LabelError TelemetryLabel = "error"
	LabelRank  TelemetryLabel = "rank"
	LabelPeer  TelemetryLabel = "peer"
	LabelGroup TelemetryLabel = "group"
	LabelHost  TelemetryLabel = "host"
	LabelKind  TelemetryLabel = "kind"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// withLabels returns a fresh slice so callers can append to static labels
// without sharing their backing array.
func withLabels(static []metrics.Label, extra ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(static)+len(extra))
	out = append(out, static...)
	return append(out, extra...)
}
