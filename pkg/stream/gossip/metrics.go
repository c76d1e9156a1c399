package gossip

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricFrameOutCount      = []string{"hubmesh", "gossip", "frame", "out", "count"}
	MetricFrameOutErrorCount = []string{"hubmesh", "gossip", "frame", "out", "error", "count"}
	MetricFrameInCount       = []string{"hubmesh", "gossip", "frame", "in", "count"}
	MetricFrameInErrorCount  = []string{"hubmesh", "gossip", "frame", "in", "error", "count"}
	MetricFrameSkippedCount  = []string{"hubmesh", "gossip", "frame", "skipped", "count"}
	MetricMemberCount        = []string{"hubmesh", "gossip", "member", "count"}

	// MetricDatagramInBytes is how much was received as QUIC datagrams.
	MetricDatagramInBytes        = []string{"hubmesh", "gossip", "datagram", "in", "bytes"}
	MetricDatagramInErrorCount   = []string{"hubmesh", "gossip", "datagram", "in", "error", "count"}
	MetricDatagramOutBytes       = []string{"hubmesh", "gossip", "datagram", "out", "bytes"}
	MetricDatagramOutErrorCount  = []string{"hubmesh", "gossip", "datagram", "out", "error", "count"}
	MetricStreamEstInCount       = []string{"hubmesh", "gossip", "stream", "establishment", "in", "count"}
	MetricStreamEstInErrorCount  = []string{"hubmesh", "gossip", "stream", "establishment", "in", "error", "count"}
	MetricStreamEstOutCount      = []string{"hubmesh", "gossip", "stream", "establishment", "out", "count"}
	MetricStreamEstOutErrorCount = []string{"hubmesh", "gossip", "stream", "establishment", "out", "error", "count"}
	MetricUDPBufferSizeBytes     = []string{"hubmesh", "gossip", "udp", "buffer", "size", "bytes"}
	MetricConnErrorCount         = []string{"hubmesh", "gossip", "connection", "error", "count"}
	MetricConnEstCount           = []string{"hubmesh", "gossip", "connection", "established", "count"}
	MetricHostNameChanges        = []string{"hubmesh", "gossip", "host", "name", "changes"}
	MetricHostConflictsCount     = []string{"hubmesh", "gossip", "host", "name", "conflicts", "count"}
)

type TelemetryLabel string

var (
	LabelError     TelemetryLabel = "error"
	LabelPeerAddr  TelemetryLabel = "peer_addr"
	LabelPeerName  TelemetryLabel = "peer_name"
	LabelStreamID  TelemetryLabel = "stream_id"
	LabelTopic     TelemetryLabel = "topic"
	LabelOrigin    TelemetryLabel = "origin"
	LabelNamespace TelemetryLabel = "namespace"
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
