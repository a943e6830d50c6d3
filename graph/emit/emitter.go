package emit

// Emitter receives lifecycle events from graph execution.
//
// Implementations should be:
//   - Non-blocking: avoid slowing down execution
//   - Thread-safe: parallel branches emit concurrently
//   - Resilient: never panic, handle backend failures internally
type Emitter interface {
	// Emit delivers one event.
	Emit(event Event)
}

// MultiEmitter fans every event out to a list of emitters, in order.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter combines emitters. Nil entries are ignored.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	m := &MultiEmitter{}
	for _, e := range emitters {
		if e != nil {
			m.emitters = append(m.emitters, e)
		}
	}
	return m
}

// Emit forwards the event to every wrapped emitter.
func (m *MultiEmitter) Emit(event Event) {
	for _, e := range m.emitters {
		e.Emit(event)
	}
}
