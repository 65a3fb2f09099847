package client

// Stats summarizes cache effectiveness since the service was created.
type Stats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	StaleServes int64   `json:"stale_serves"`
	Fetches     int64   `json:"fetches"`
	FetchErrors int64   `json:"fetch_errors"`
	Coalesced   int64   `json:"coalesced"`
	Evictions   int64   `json:"evictions"`
	Entries     int     `json:"entries"`
	Capacity    int     `json:"capacity"`
	InFlight    int     `json:"in_flight"`
}

// Stats returns a snapshot of the service counters.
func (s *CacheService) Stats() Stats {
	es := s.engine.Stats()
	return Stats{
		Hits:        es.Hits,
		Misses:      es.Misses,
		HitRate:     es.HitRate(),
		StaleServes: es.StaleServes,
		Fetches:     es.Fetches,
		FetchErrors: es.FetchErrors,
		Coalesced:   es.Coalesced,
		Evictions:   es.Evictions,
		Entries:     s.memory.Len(),
		Capacity:    s.memory.Capacity(),
		InFlight:    s.engine.InFlight(),
	}
}
