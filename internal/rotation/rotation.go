// Package rotation decides which endpoint handles the next send of a campaign.
package rotation

// Rotator hands out endpoints in order, moving to the next one after every
// maxPerEndpoint sends. It does not look at connectivity: a disconnected
// endpoint still gets its turn. Not safe for concurrent use; one campaign run
// owns one Rotator.
type Rotator struct {
	endpoints      []string
	maxPerEndpoint int

	cursor int
	count  int
}

// New returns a Rotator over endpoints. maxPerEndpoint <= 0 disables rotation
// and keeps every send on the first endpoint.
func New(endpoints []string, maxPerEndpoint int) *Rotator {
	return &Rotator{
		endpoints:      append([]string(nil), endpoints...),
		maxPerEndpoint: maxPerEndpoint,
	}
}

func (r *Rotator) Len() int { return len(r.endpoints) }

// Next returns the endpoint for the upcoming send, its index, and whether the
// cursor advanced to get there (the caller applies the switch delay).
func (r *Rotator) Next() (endpointID string, index int, switched bool) {
	if len(r.endpoints) == 0 {
		return "", -1, false
	}
	if r.maxPerEndpoint > 0 && r.count >= r.maxPerEndpoint {
		r.cursor = (r.cursor + 1) % len(r.endpoints)
		r.count = 0
		switched = true
	}
	r.count++
	return r.endpoints[r.cursor], r.cursor, switched
}
