package gateway

// runTracker correlates streamed chat content with one run's completion. It
// is owned state inside the session's event loop, never shared with or hung
// off the connection.
type runTracker struct {
	runID string
	// latest holds the most recent final-chunk assistant text. Every newer
	// fragment overwrites it; it is read once, at terminal status.
	latest string
}

func (t *runTracker) track(runID string) {
	t.runID = runID
}

// observeChat harvests assistant text from a streaming chat event. Events
// tagged with a different run id are ignored; untagged events are accepted
// because older gateways omit the correlation field.
func (t *runTracker) observeChat(p *chatPayload) {
	if p.RunID != "" && t.runID != "" && p.RunID != t.runID {
		return
	}
	if !p.isFinalChunk() {
		return
	}
	if text := p.assistantText(); text != "" {
		t.latest = text
	}
}

// reply returns the harvested text, or the empty-reply sentinel when the run
// ended without the streaming channel delivering anything.
func (t *runTracker) reply() string {
	if t.latest == "" {
		return emptyReplyText
	}
	return t.latest
}
