package ports

import "time"

// Metrics receives per-operation outcomes. A nil Metrics is allowed
// everywhere it is accepted.
type Metrics interface {
	ObserveQuery(providerID, outcome string, elapsed time.Duration)
	ObserveDiscovery(providerID, outcome string)
}
