package transport

import (
	"fmt"

	"github.com/scylladb/scylla-go-driver/frame"
)

// ErrNoAvailableStreamIDs is returned when a connection's in-flight
// request count has reached the protocol's stream-id ceiling (§4.2).
var ErrNoAvailableStreamIDs = fmt.Errorf("NO_AVAILABLE_STREAM_IDS: no available stream ids")

// streamIDAllocator is a bounded free list of stream ids, sized for the
// protocol version it is built for (127 legacy, 32767 modern, §4.2/§9).
// Alloc/Free are always called with the connection's mutex held, so
// no internal locking is needed here.
type streamIDAllocator struct {
	free []frame.StreamID
	next frame.StreamID
	max  frame.StreamID
}

func newStreamIDAllocator(version frame.ProtocolVersion) streamIDAllocator {
	return streamIDAllocator{max: frame.StreamID(frame.MaxStreamID(version))}
}

// Alloc returns an unused positive stream id, or ErrNoAvailableStreamIDs
// once every id up to max is in use.
func (s *streamIDAllocator) Alloc() (frame.StreamID, error) {
	if n := len(s.free); n > 0 {
		id := s.free[n-1]
		s.free = s.free[:n-1]
		return id, nil
	}
	if s.next >= s.max {
		return 0, ErrNoAvailableStreamIDs
	}
	s.next++
	return s.next, nil
}

// Free returns id to the pool. Freeing an id twice is a caller bug and
// would corrupt the free list; it is not defended against here, matching
// the "callback must not be delivered twice" invariant it depends on.
func (s *streamIDAllocator) Free(id frame.StreamID) {
	s.free = append(s.free, id)
}

// InUse reports how many stream ids are currently allocated.
func (s *streamIDAllocator) InUse() int {
	return int(s.next) - len(s.free)
}
