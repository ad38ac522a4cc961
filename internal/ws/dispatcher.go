package ws

import (
	"errors"

	"github.com/kindred/chat-relay/internal/log"
	"github.com/kindred/chat-relay/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client event.
// msg is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.JoinMatchMsg, protocol.SendMessageMsg).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket events to registered handlers
// by type. Ping is answered internally; malformed and unsupported events get
// an error event back on the same connection.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{handlers: make(map[string]MessageHandler)}
}

// Register associates a MessageHandler with an event type, replacing any
// previous handler.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		logger := log.Component("ws")
		logger.Debug().Err(err).Str(log.FieldConnID, conn.ID).Str(log.FieldEvent, msgType).Msg("dispatch parse error")

		code, text := protocol.CodeParseError, "invalid message format"
		if errors.Is(err, protocol.ErrUnknownType) {
			code, text = protocol.CodeUnsupportedType, "unsupported message type"
		}
		SendError(conn, protocol.ErrorMsg{Code: code, Message: text, Event: msgType})
		return
	}

	if msgType == protocol.TypePing {
		conn.Touch()
		if err := conn.Send(protocol.TypePong, protocol.PongMsg{}); err != nil {
			logger := log.Component("ws")
			logger.Debug().Err(err).Str(log.FieldConnID, conn.ID).Msg("send pong failed")
		}
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		SendError(conn, protocol.ErrorMsg{
			Code:    protocol.CodeUnsupportedType,
			Message: "unsupported message type",
			Event:   msgType,
		})
		return
	}

	handler(conn, msg)
}

// SendError writes an error event to conn. Failures are logged.
func SendError(conn *Connection, msg protocol.ErrorMsg) {
	if err := conn.Send(protocol.TypeError, msg); err != nil {
		logger := log.Component("ws")
		logger.Debug().Err(err).Str(log.FieldConnID, conn.ID).Msg("send error event failed")
	}
}
