package hubmesh

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricLocalDeliveryCount     = []string{"hubmesh", "delivery", "local", "count"}
	MetricRemoteDeliveryCount    = []string{"hubmesh", "delivery", "remote", "count"}
	MetricBroadcastDeliveryCount = []string{"hubmesh", "delivery", "broadcast", "count"}
	MetricDeliveryErrorCount     = []string{"hubmesh", "delivery", "error", "count"}
	MetricFanOutErrorCount       = []string{"hubmesh", "fanout", "error", "count"}
	MetricConnectionCount        = []string{"hubmesh", "connection", "count"}
	MetricHeartbeatErrorCount    = []string{"hubmesh", "heartbeat", "error", "count"}
	MetricEvictionCount          = []string{"hubmesh", "directory", "eviction", "count"}
)

type TelemetryLabel string

var (
	LabelError        TelemetryLabel = "error"
	LabelHub          TelemetryLabel = "hub"
	LabelServerID     TelemetryLabel = "server_id"
	LabelConnectionID TelemetryLabel = "connection_id"
	LabelGroup        TelemetryLabel = "group"
	LabelMembership   TelemetryLabel = "membership"
	LabelReason       TelemetryLabel = "reason"
	LabelTarget       TelemetryLabel = "target"
	LabelDuration     TelemetryLabel = "duration"
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
