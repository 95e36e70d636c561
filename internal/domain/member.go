package domain

// Member represents a participant's presence in a group call.
// No transport or lifecycle logic here.
type Member struct {
	Participant Participant `json:"participant"`
	IsHost      bool        `json:"isHost"`
	IsMuted     bool        `json:"isMuted"`
	Media       MediaKind   `json:"media"`
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(p Participant, media MediaKind) *Member {
	return &Member{Participant: p, Media: media}
}
