// Package tunnel implements the two ControlLoops (server and client), the
// channel table they share the shape of, and the resync recovery state
// machine. Grounded on original_source/src/server.rs, src/client.rs and
// src/server_connection.rs, generalized from a Vec<SocketAdapter> indexed
// by position to a map[uint64]*socketadapter.Adapter per spec.md §9's
// "Channel table" design note (ordered map / slot table, IDs never reused).
package tunnel

import (
	"time"

	"github.com/rpfwd/rpfwd/socketadapter"
)

// ChannelTable holds one SocketAdapter per live channel ID and remembers
// insertion order, since removal during the per-iteration sweep (spec.md
// §4.4 step 4) is specified to happen "in reverse insertion order to keep
// prior indices stable under any backing that cares" — a map doesn't need
// that for correctness, but the order is kept anyway so logs read the way
// the original's Vec-backed table would have produced them.
type ChannelTable struct {
	byID   map[uint64]*socketadapter.Adapter
	order  []uint64
	posOf  map[uint64]int
}

// NewChannelTable returns an empty table.
func NewChannelTable() *ChannelTable {
	return &ChannelTable{
		byID:  make(map[uint64]*socketadapter.Adapter),
		posOf: make(map[uint64]int),
	}
}

// Insert adds a, which must report id via a.ID(), as a new channel.
func (t *ChannelTable) Insert(id uint64, a *socketadapter.Adapter) {
	t.byID[id] = a
	t.posOf[id] = len(t.order)
	t.order = append(t.order, id)
}

// Get returns the adapter for id, if live.
func (t *ChannelTable) Get(id uint64) (*socketadapter.Adapter, bool) {
	a, ok := t.byID[id]
	return a, ok
}

// Remove drops id from the table, returning its adapter if it was present.
func (t *ChannelTable) Remove(id uint64) (*socketadapter.Adapter, bool) {
	a, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	delete(t.byID, id)
	pos, ok := t.posOf[id]
	if ok {
		t.order = append(t.order[:pos], t.order[pos+1:]...)
		delete(t.posOf, id)
		for i := pos; i < len(t.order); i++ {
			t.posOf[t.order[i]] = i
		}
	}
	return a, true
}

// Len reports the number of live channels — used for the
// ClientExceededBuffer single-tenant exemption (spec.md §4.3).
func (t *ChannelTable) Len() int { return len(t.byID) }

// IDs returns live channel IDs in insertion order, for the per-iteration
// poll sweep (spec.md §5: "round-robin by iteration order of the channel
// table").
func (t *ChannelTable) IDs() []uint64 {
	out := make([]uint64, len(t.order))
	copy(out, t.order)
	return out
}

// IDsReversed returns live channel IDs in reverse insertion order, for the
// removal sweep (spec.md §4.4 step 4).
func (t *ChannelTable) IDsReversed() []uint64 {
	out := make([]uint64, len(t.order))
	for i, id := range t.order {
		out[len(out)-1-i] = id
	}
	return out
}

// LoopState is the shared bookkeeping both control loops carry (spec.md
// §3 "LoopState"). The client's loop never reads LastKeepAliveSent (only
// the server proactively emits on a schedule), matching the Data Model
// note that the client's state is "identical minus last_keep_alive_sent".
type LoopState struct {
	Channels          *ChannelTable
	NextID            uint64
	LastKeepAliveSent time.Time
	LastKeepAliveRecv time.Time
}

// ChannelCount satisfies metrics.Source.
func (s *LoopState) ChannelCount() int { return s.Channels.Len() }

// NewLoopState returns a LoopState with its keep-alive clocks started now,
// so a freshly handshaked link doesn't immediately look dead.
func NewLoopState() *LoopState {
	now := time.Now()
	return &LoopState{
		Channels:          NewChannelTable(),
		LastKeepAliveSent: now,
		LastKeepAliveRecv: now,
	}
}
