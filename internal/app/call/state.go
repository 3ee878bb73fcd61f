package call

// Lifecycle is the high-level call state of a session.
type Lifecycle int

const (
	Idle Lifecycle = iota
	// CallPending: local invite sent, waiting for call:accepted.
	CallPending
	// CallIncoming: remote invite received, not answered yet.
	CallIncoming
	Active
	Ending
)

func (l Lifecycle) String() string {
	switch l {
	case Idle:
		return "idle"
	case CallPending:
		return "call_pending"
	case CallIncoming:
		return "call_incoming"
	case Active:
		return "active"
	case Ending:
		return "ending"
	default:
		return "unknown"
	}
}

// Negotiation is the offer/answer state of the current round.
type Negotiation int

const (
	NoOffer Negotiation = iota
	OfferSent
	OfferReceived
	AnswerSent
	Answered
)

func (n Negotiation) String() string {
	switch n {
	case NoOffer:
		return "no_offer"
	case OfferSent:
		return "offer_sent"
	case OfferReceived:
		return "offer_received"
	case AnswerSent:
		return "answer_sent"
	case Answered:
		return "answered"
	default:
		return "unknown"
	}
}

// State is a snapshot of a session, handed to observers after every
// transition.
type State struct {
	Self  string
	Email string
	Room  string

	Remote      string
	RemoteEmail string

	Lifecycle   Lifecycle
	Negotiation Negotiation
	// Round is the last round number this side offered in the current call.
	Round uint64

	LocalMediaAcquired bool
	TracksSent         bool
	AudioEnabled       bool
	VideoEnabled       bool

	// UI gates, as the room screen shows them.
	CallButton        bool
	SendStreamsButton bool

	// RemoteTracks lists "kind/id" of tracks received in the current call.
	RemoteTracks []string
}

// InCall reports whether a call exists in any phase.
func (s State) InCall() bool { return s.Lifecycle != Idle }
