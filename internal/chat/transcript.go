package chat

const (
	errorIndicator = "Error: the response could not be completed."
	reinitWarning  = "Error occurred. Re-initializing the session."
)

// transcript is the in-memory chat log shown to the user. It is guarded by
// the coordinator's lock.
type transcript struct {
	messages []Message
}

func (t *transcript) add(m Message) {
	t.messages = append(t.messages, m)
}

func (t *transcript) last() (Message, bool) {
	if len(t.messages) == 0 {
		return Message{}, false
	}
	return t.messages[len(t.messages)-1], true
}

func (t *transcript) lastKind() MessageKind {
	m, _ := t.last()
	return m.Kind
}

func (t *transcript) removeLast() {
	if len(t.messages) > 0 {
		t.messages = t.messages[:len(t.messages)-1]
	}
}

func (t *transcript) removeLastIf(kind MessageKind) {
	if t.lastKind() == kind {
		t.removeLast()
	}
}

func (t *transcript) clear() {
	t.messages = nil
}

func (t *transcript) snapshot() []Message {
	out := make([]Message, len(t.messages))
	for i, m := range t.messages {
		if m.Stats != nil {
			s := *m.Stats
			m.Stats = &s
		}
		out[i] = m
	}
	return out
}

// apply folds one streaming event into the log. The loading placeholder
// becomes an empty agent message on the first event.
func (t *transcript) apply(interactionID int64, ev Event, latencyMS float64, stats *Stats) {
	if t.lastKind() == MessageLoading {
		t.removeLast()
		t.add(Message{Kind: MessageAgent, InteractionID: interactionID, LatencyMS: -1})
	}
	if t.lastKind() != MessageAgent {
		t.add(Message{Kind: MessageAgent, InteractionID: interactionID, LatencyMS: -1})
	}
	m := &t.messages[len(t.messages)-1]
	m.Content += ev.Fragment
	if ev.Final {
		m.LatencyMS = latencyMS
		m.Stats = stats
	}
}

// fail replaces the turn's loading or partial agent message with an error
// indicator.
func (t *transcript) fail(interactionID int64) {
	switch t.lastKind() {
	case MessageLoading, MessageAgent:
		t.removeLast()
	}
	t.add(Message{Kind: MessageError, Content: errorIndicator, InteractionID: interactionID})
}
