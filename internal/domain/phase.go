package domain

// Phase is the negotiation state of a single peer connection.
type Phase int

const (
	Stable Phase = iota
	HaveLocalOffer
	HaveRemoteOffer
)

func (p Phase) String() string {
	switch p {
	case Stable:
		return "stable"
	case HaveLocalOffer:
		return "have-local-offer"
	case HaveRemoteOffer:
		return "have-remote-offer"
	default:
		return "unknown"
	}
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }
