package gossip

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
)

// events logs membership changes and keeps the member gauge current.
// memberlist never calls it concurrently.
type events struct {
	logger  *slog.Logger
	msink   metrics.MetricSink
	labels  []metrics.Label
	members int
}

func (ev *events) NotifyJoin(node *memberlist.Node) {
	logNode(ev.logger, node).Info("peer joined cluster")
	ev.members++
	ev.gauge()
}

func (ev *events) NotifyLeave(node *memberlist.Node) {
	logNode(ev.logger, node).Info("peer left cluster")
	ev.members--
	ev.gauge()
}

func (ev *events) NotifyUpdate(node *memberlist.Node) {
	logNode(ev.logger, node).Debug("peer updated")
}

func (ev *events) gauge() {
	ev.msink.SetGaugeWithLabels(MetricMemberCount, float32(ev.members), ev.labels)
}

func logNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		LabelPeerName.L(node.Name),
		LabelPeerAddr.L(node.Address()),
	)
}
