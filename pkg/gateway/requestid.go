package gateway

import "github.com/oklog/ulid/v2"

// newRequestID returns a sortable identifier used to correlate one call
// across logs, spans and the X-Request-Id header.
func newRequestID() string {
	return ulid.Make().String()
}
