package domain

type TileKind int

const (
	TileParticipant TileKind = iota + 1
	TileScreenShare
)

func (k TileKind) String() string {
	switch k {
	case TileParticipant:
		return "participant"
	case TileScreenShare:
		return "screen_share"
	default:
		return "unknown"
	}
}

// Tile is a pin target: a participant's camera tile or a screen share.
// Owner is set for both kinds; ShareID only for TileScreenShare.
type Tile struct {
	Kind    TileKind
	Owner   ParticipantID
	ShareID ShareID
}

func (t Tile) ID() TileID {
	if t.Kind == TileScreenShare {
		return t.ShareID.Tile()
	}
	return t.Owner.Tile()
}
