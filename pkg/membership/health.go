package membership

// HealthReporter is an optional interface for components that can report a
// health score, such as the gossip seeder. Higher scores indicate degraded
// health according to the underlying implementation.
type HealthReporter interface {
	// HealthScore returns an integer health score. A return value of -1
	// indicates the implementation is not started or unavailable.
	HealthScore() int
}

// Replay applies events to a map of peers keyed by id. Consumers that keep
// their own copy of the view use it to fold a subscription stream onto the
// snapshot they started from.
func Replay(peers map[string]PeerEndpoint, events ...Event) {
	for _, e := range events {
		switch e.Type {
		case EventAdded, EventUpdated:
			peers[e.Peer.ID] = e.Peer
		case EventRemoved:
			delete(peers, e.Peer.ID)
		}
	}
}
