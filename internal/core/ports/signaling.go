package ports

import (
	"context"

	"meshcall/internal/core/domain"
)

// SignalingPort is the session's out-of-band message channel. Messages is
// closed when the underlying channel goes away.
type SignalingPort interface {
	Send(ctx context.Context, msg *domain.SignalMessage) error
	Messages() <-chan *domain.SignalMessage
	Close() error
}

// SignalingConnector opens a SignalingPort for an accepted join.
type SignalingConnector interface {
	Connect(ctx context.Context, join domain.JoinResult) (SignalingPort, error)
}
