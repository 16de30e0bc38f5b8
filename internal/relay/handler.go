package relay

import (
	"fmt"

	"github.com/js-labs/mtunnel/internal/protocol"
	"github.com/js-labs/mtunnel/internal/tunnel"
)

// Relay is the server-side tunnel.Handler.
var _ tunnel.Handler = (*Relay)(nil)

func (r *Relay) Connected(s *tunnel.Session) error {
	r.metrics.Sessions.Inc()
	return nil
}

// Handle accepts JoinRequest messages only. A session may send more than one
// to add groups.
func (r *Relay) Handle(s *tunnel.Session, msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.JoinRequest:
		s.Logger().Debug("join request for %d groups", len(m.Groups))
		return r.HandleJoinRequest(s, m.Groups)
	default:
		return fmt.Errorf("%w: %v", tunnel.ErrUnexpectedMessage, msg.Type())
	}
}

func (r *Relay) Disconnected(s *tunnel.Session) {
	r.OnSessionClosed(s)
	r.metrics.Sessions.Dec()
}
