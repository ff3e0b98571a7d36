package domain

import "strings"

type RoomID string
type ParticipantID string
type ShareID string
type TrackID string

// TileID addresses a renderable tile: either a participant id or a share id.
type TileID string

// ShareIDPrefix marks every share id, so a share id can never equal a
// participant id and remote stream ids can be classified on arrival.
const ShareIDPrefix = "share_"

func IsShareStreamID(streamID string) bool {
	return strings.HasPrefix(streamID, ShareIDPrefix)
}

func (id ParticipantID) Tile() TileID { return TileID(id) }

func (id ShareID) Tile() TileID { return TileID(id) }
