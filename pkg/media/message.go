package media

// MessageType classifies a [Message] for logging and metrics.
type MessageType int

const (
	MessageEOS MessageType = iota
	MessageWarning
	MessageError
	MessageTag
	MessageStateChanged
	MessageAboutToFinish
	MessagePadAdded
)

// String returns the lower-case message type name.
func (t MessageType) String() string {
	switch t {
	case MessageEOS:
		return "eos"
	case MessageWarning:
		return "warning"
	case MessageError:
		return "error"
	case MessageTag:
		return "tag"
	case MessageStateChanged:
		return "state-changed"
	case MessageAboutToFinish:
		return "about-to-finish"
	case MessagePadAdded:
		return "pad-added"
	default:
		return "unknown"
	}
}

// Message is a notification posted on a pipeline [Bus]. The set of
// implementations is closed; consumers switch on the concrete type.
type Message interface {
	// Type returns the message classification.
	Type() MessageType

	// Source returns the name of the element that posted the message.
	Source() string

	message()
}

// EndOfStream is posted when the pipeline has no more data to send.
type EndOfStream struct {
	Src string
}

// Warning reports a recoverable problem.
type Warning struct {
	Src   string
	Text  string
	Debug string
}

// Error reports an unrecoverable problem; the pipeline cannot continue.
type Error struct {
	Src   string
	Text  string
	Debug string
}

// Tag carries one item of stream metadata such as the title.
type Tag struct {
	Src   string
	Key   string
	Value string
}

// StateChanged reports that an element completed a transition. Pending is
// the final target still outstanding, or [StateVoid] when none is.
type StateChanged struct {
	Src     string
	Old     State
	New     State
	Pending State
}

// AboutToFinish is posted by a decoding source whose current item is
// drained. The handler may set the element's "uri" property before the
// engine gives up waiting for a successor.
type AboutToFinish struct {
	Src string
}

// PadAdded is posted when an element exposes a new dynamic pad.
type PadAdded struct {
	Src string
	Pad Pad
}

func (EndOfStream) Type() MessageType   { return MessageEOS }
func (Warning) Type() MessageType       { return MessageWarning }
func (Error) Type() MessageType         { return MessageError }
func (Tag) Type() MessageType           { return MessageTag }
func (StateChanged) Type() MessageType  { return MessageStateChanged }
func (AboutToFinish) Type() MessageType { return MessageAboutToFinish }
func (PadAdded) Type() MessageType      { return MessagePadAdded }

func (m EndOfStream) Source() string   { return m.Src }
func (m Warning) Source() string       { return m.Src }
func (m Error) Source() string         { return m.Src }
func (m Tag) Source() string           { return m.Src }
func (m StateChanged) Source() string  { return m.Src }
func (m AboutToFinish) Source() string { return m.Src }
func (m PadAdded) Source() string      { return m.Src }

func (EndOfStream) message()   {}
func (Warning) message()       {}
func (Error) message()         {}
func (Tag) message()           {}
func (StateChanged) message()  {}
func (AboutToFinish) message() {}
func (PadAdded) message()      {}
