package kevent

// ExceedsDepth reports whether an event's depth has passed maxDepth,
// the cycle-protection cap described in §3 (default 32). The router
// drops such events with an error:validation event rather than
// dispatching them.
func (e Event) ExceedsDepth(maxDepth int) bool {
	return e.Context.Depth > maxDepth
}
