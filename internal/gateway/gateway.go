// Package gateway binds realtime client events to the channel router, the
// message relay and the signaler, and keeps presence in step with the
// connection lifecycle.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/kindred/chat-relay/internal/channel"
	"github.com/kindred/chat-relay/internal/chat"
	"github.com/kindred/chat-relay/internal/log"
	"github.com/kindred/chat-relay/internal/presence"
	"github.com/kindred/chat-relay/internal/protocol"
	"github.com/kindred/chat-relay/internal/relay"
	"github.com/kindred/chat-relay/internal/signal"
	"github.com/kindred/chat-relay/internal/ws"
)

const eventTimeout = 10 * time.Second

// Replier writes an event back to the originating connection.
type Replier interface {
	Send(msgType string, payload interface{}) error
}

// Gateway handles the realtime event set.
type Gateway struct {
	presence *presence.Registry
	router   *channel.Router
	relay    *relay.Relay
	signaler *signal.Signaler
}

// New creates a Gateway.
func New(reg *presence.Registry, router *channel.Router, rl *relay.Relay, sig *signal.Signaler) *Gateway {
	return &Gateway{presence: reg, router: router, relay: rl, signaler: sig}
}

// Attach registers the gateway's handlers and lifecycle hooks.
func (g *Gateway) Attach(srv *ws.Server, d *ws.MessageDispatcher) {
	for _, msgType := range []string{
		protocol.TypeJoinMatch,
		protocol.TypeLeaveMatch,
		protocol.TypeSendMessage,
		protocol.TypeTypingStart,
		protocol.TypeTypingStop,
		protocol.TypeMarkMessagesRead,
	} {
		msgType := msgType
		d.Register(msgType, func(conn *ws.Connection, msg interface{}) {
			g.Handle(context.Background(), conn.Peer(), conn, msgType, msg)
		})
	}
	srv.SetOnConnect(func(conn *ws.Connection) { g.Connect(conn.Peer()) })
	srv.SetOnDisconnect(g.Disconnect)
}

// Connect registers the peer's connection in presence.
func (g *Gateway) Connect(peer chat.Peer) {
	g.presence.Register(peer)
}

// Disconnect clears the connection's typing state, leaves every channel it
// joined and unregisters it from presence.
func (g *Gateway) Disconnect(connID string) {
	userID, ok := g.presence.UserOf(connID)
	if ok {
		peer := chat.Peer{ConnID: connID, UserID: userID}
		for _, channelID := range g.router.Channels(connID) {
			g.signaler.StopTyping(peer, channelID)
		}
	}
	g.router.LeaveAll(connID)
	g.presence.Unregister(connID)
}

// Handle runs one parsed client event for peer. Failures are reported only
// to reply.
func (g *Gateway) Handle(ctx context.Context, peer chat.Peer, reply Replier, msgType string, msg interface{}) {
	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()

	logger := log.Component("gateway").With().
		Str(log.FieldConnID, peer.ConnID).
		Str(log.FieldUserID, peer.UserID).
		Str(log.FieldEvent, msgType).
		Logger()
	ctx = log.WithLogger(ctx, logger)

	switch m := msg.(type) {
	case protocol.JoinMatchMsg:
		if err := g.router.Join(ctx, peer, m.MatchID); err != nil {
			g.fail(ctx, reply, msgType, m.MatchID, err)
			return
		}
		g.send(ctx, reply, protocol.TypeMatchJoined, protocol.MatchJoinedMsg{MatchID: m.MatchID})

	case protocol.LeaveMatchMsg:
		g.router.Leave(peer.ConnID, m.MatchID)
		g.send(ctx, reply, protocol.TypeMatchLeft, protocol.MatchLeftMsg{MatchID: m.MatchID})

	case protocol.SendMessageMsg:
		sent, err := g.relay.SendMessage(ctx, peer, m.MatchID, m.Content, m.MessageType)
		if err != nil {
			g.fail(ctx, reply, msgType, m.MatchID, err)
			return
		}
		g.send(ctx, reply, protocol.TypeMessageSent, protocol.MessageSentMsg{
			Message: sent,
			MatchID: m.MatchID,
			TempID:  m.TempID,
		})

	case protocol.TypingMsg:
		if msgType == protocol.TypeTypingStop {
			g.signaler.StopTyping(peer, m.MatchID)
		} else {
			g.signaler.StartTyping(peer, m.MatchID)
		}

	case protocol.MarkReadMsg:
		if _, err := g.signaler.MarkRead(ctx, peer, m.MatchID); err != nil {
			g.fail(ctx, reply, msgType, m.MatchID, err)
		}

	default:
		logger.Warn().Msg("no handler for event payload")
	}
}

func (g *Gateway) send(ctx context.Context, reply Replier, msgType string, payload interface{}) {
	if err := reply.Send(msgType, payload); err != nil {
		logger := log.Ctx(ctx)
		logger.Debug().Err(err).Str("reply", msgType).Msg("reply failed")
	}
}

func (g *Gateway) fail(ctx context.Context, reply Replier, event, matchID string, err error) {
	logger := log.Ctx(ctx)
	if chat.Code(err) == protocol.CodeInternal && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Str(log.FieldMatchID, matchID).Msg("event failed")
	} else {
		logger.Debug().Err(err).Str(log.FieldMatchID, matchID).Msg("event rejected")
	}
	g.send(ctx, reply, protocol.TypeError, protocol.ErrorFor(event, matchID, err))
}
