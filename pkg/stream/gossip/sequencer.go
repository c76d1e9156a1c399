package gossip

import (
	"maps"
	"slices"
	"time"

	"github.com/raskyld/hubmesh/pkg/stream"
	"github.com/raskyld/hubmesh/pkg/wire"
)

// seqKey identifies the sequence space of one topic published by one
// member incarnation.
type seqKey struct {
	origin string
	topic  stream.Topic
}

// sequencer restores the publish order of frames sent over independent
// reliable streams. Frames start at 1 for each origin incarnation.
type sequencer struct {
	next     uint64
	pending  map[uint64]*wire.Frame
	gapSince time.Time
	lastSeen time.Time
}

func newSequencer(now time.Time) *sequencer {
	return &sequencer{
		next:     1,
		pending:  make(map[uint64]*wire.Frame),
		lastSeen: now,
	}
}

// offer returns the frames which can be delivered, in order. Duplicates
// are dropped.
func (s *sequencer) offer(f *wire.Frame, now time.Time) []*wire.Frame {
	s.lastSeen = now
	if f.Seq < s.next {
		return nil
	}
	if f.Seq > s.next {
		if _, dup := s.pending[f.Seq]; !dup {
			s.pending[f.Seq] = f
		}
		if s.gapSince.IsZero() {
			s.gapSince = now
		}
		return nil
	}

	s.next++
	return s.drain([]*wire.Frame{f}, now)
}

// expire gives up on a gap older than wait and returns the frames behind
// it along with how many sequences were skipped.
func (s *sequencer) expire(now time.Time, wait time.Duration) ([]*wire.Frame, uint64) {
	if len(s.pending) == 0 || now.Sub(s.gapSince) < wait {
		return nil, 0
	}

	lowest := slices.Min(slices.Collect(maps.Keys(s.pending)))
	skipped := lowest - s.next
	s.next = lowest
	return s.drain(nil, now), skipped
}

func (s *sequencer) drain(ready []*wire.Frame, now time.Time) []*wire.Frame {
	for {
		f, ok := s.pending[s.next]
		if !ok {
			break
		}
		delete(s.pending, s.next)
		ready = append(ready, f)
		s.next++
	}
	if len(s.pending) == 0 {
		s.gapSince = time.Time{}
	} else {
		s.gapSince = now
	}
	return ready
}

func (s *sequencer) idle(now time.Time, ttl time.Duration) bool {
	return len(s.pending) == 0 && now.Sub(s.lastSeen) > ttl
}
