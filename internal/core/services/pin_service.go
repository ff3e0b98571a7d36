package services

import (
	"meshcall/internal/core/domain"

	"go.uber.org/zap"
)

// PinManager owns the single pinned tile.
type PinManager struct {
	state  *SessionState
	router *EventRouter
	logger *zap.SugaredLogger
}

func NewPinManager(state *SessionState, router *EventRouter, logger *zap.SugaredLogger) *PinManager {
	return &PinManager{state: state, router: router, logger: logger}
}

// Toggle pins tileID, replacing any prior pin, or clears the pin when
// tileID is already pinned. Tiles that are not live are rejected with
// domain.ErrTileNotFound.
func (p *PinManager) Toggle(tileID domain.TileID) (*domain.Tile, error) {
	tile, err := p.state.TogglePin(tileID)
	if err != nil {
		p.logger.Debugw("pin rejected", "tile_id", tileID, "error", err)
		return nil, err
	}

	p.router.Pin.Publish(domain.PinEvent{Tile: tile})
	return tile, nil
}

// ClearPinIfID unpins tileID if, and only if, it is the pinned tile.
func (p *PinManager) ClearPinIfID(tileID domain.TileID) bool {
	if !p.state.ClearPinIf(tileID) {
		return false
	}
	p.router.Pin.Publish(domain.PinEvent{})
	return true
}

func (p *PinManager) Pinned() (domain.Tile, bool) {
	return p.state.PinnedTile()
}

// announceCleared publishes a cleared pin for teardown paths where
// SessionState already dropped the pin together with its entry.
func (p *PinManager) announceCleared(cleared bool) {
	if cleared {
		p.router.Pin.Publish(domain.PinEvent{})
	}
}
