package driver

// EventKind discriminates the events a prompt stream yields.
type EventKind int

const (
	// EventChunk carries an incremental agent message fragment.
	EventChunk EventKind = iota
	// EventTurnEnd marks normal completion of the prompt turn.
	EventTurnEnd
	// EventError marks abnormal termination of the stream.
	EventError
)

// Event is one element of the stream returned by Prompt. Only message chunks
// and turn boundaries are surfaced; tool calls, plans and vendor-prefixed
// notifications are logged inside the driver.
type Event struct {
	Kind       EventKind
	Text       string // set for EventChunk
	StopReason string // set for EventTurnEnd
	Err        error  // set for EventError
}
