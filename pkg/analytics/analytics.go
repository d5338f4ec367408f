package analytics

// Sink receives product analytics events. Track must never block the
// request path; implementations buffer or drop.
type Sink interface {
	Track(event string, fields map[string]string)
}

// Noop discards all events. Used when no sink is configured so callers
// never need a nil check.
type Noop struct{}

func (Noop) Track(event string, fields map[string]string) {}
