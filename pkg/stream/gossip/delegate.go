package gossip

import (
	"bytes"

	"github.com/raskyld/hubmesh/pkg/wire"
)

// delegate hands user messages from memberlist to the provider. Topics
// travel as reliable user messages only, so there is no broadcast queue
// nor state to exchange on push/pull.
type delegate struct {
	p *Provider
}

func (d *delegate) NodeMeta(limit int) []byte {
	return nil
}

// NotifyMsg may receive several varint-delimited frames in one message.
// buf is reused by memberlist once we return.
func (d *delegate) NotifyMsg(buf []byte) {
	r := bytes.NewReader(buf)
	for r.Len() > 0 {
		raw, err := wire.ReadDelimited(r)
		if err != nil {
			d.p.rejectFrame("framing", err)
			return
		}
		frame, err := wire.UnmarshalFrame(raw)
		if err != nil {
			d.p.rejectFrame("decoding", err)
			return
		}
		d.p.receive(frame)
	}
}

func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

func (d *delegate) LocalState(join bool) []byte {
	return nil
}

func (d *delegate) MergeRemoteState(buf []byte, join bool) {}
