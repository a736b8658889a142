package dispatch

import "sync/atomic"

// destinationMetrics is padded to a cache line so that neighbouring ids in
// one shard don't share a line.
type destinationMetrics struct {
	lookups        atomic.Uint64
	misses         atomic.Uint64
	errorBadSocket atomic.Uint64
	_              [64 - 3*8]byte
}

func (m *destinationMetrics) reset() {
	m.lookups.Store(0)
	m.misses.Store(0)
	m.errorBadSocket.Store(0)
}

// metricsShards holds one counter array per worker. Workers only write to
// their own shard; readers sum across shards.
type metricsShards [][]destinationMetrics

func newMetricsShards(workers, destinations int) metricsShards {
	shards := make(metricsShards, workers)
	for i := range shards {
		shards[i] = make([]destinationMetrics, destinations)
	}
	return shards
}

// record returns the counters for id in shard, or nil if id is out of range.
func (s metricsShards) record(shard int, id DestinationID) *destinationMetrics {
	counters := s[shard]
	if int(id) >= len(counters) {
		return nil
	}
	return &counters[id]
}

// DestinationMetrics are the counters of a single destination.
type DestinationMetrics struct {
	// Lookups is the number of times a binding resolved to the destination.
	Lookups uint64
	// Misses counts lookups that found no socket.
	Misses uint64
	// ErrorBadSocket counts lookups whose socket couldn't take the
	// connection.
	ErrorBadSocket uint64
}

// TotalErrors returns the sum of all error counters.
func (dm DestinationMetrics) TotalErrors() uint64 {
	return dm.ErrorBadSocket
}

func (s metricsShards) sum(id DestinationID) DestinationMetrics {
	var total DestinationMetrics
	for i := range s {
		m := s.record(i, id)
		if m == nil {
			continue
		}
		total.Lookups += m.lookups.Load()
		total.Misses += m.misses.Load()
		total.ErrorBadSocket += m.errorBadSocket.Load()
	}
	return total
}

func (s metricsShards) reset(id DestinationID) {
	for i := range s {
		if m := s.record(i, id); m != nil {
			m.reset()
		}
	}
}
