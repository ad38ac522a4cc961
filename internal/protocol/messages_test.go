package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kindred/chat-relay/internal/chat"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid send_message event
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send_message","matchId":"m-123","content":"Hello!","messageType":"gif","tempId":"t1"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.MatchID != "m-123" {
		t.Errorf("expected matchId %q, got %q", "m-123", sm.MatchID)
	}
	if sm.Content != "Hello!" {
		t.Errorf("expected content %q, got %q", "Hello!", sm.Content)
	}
	if sm.MessageType != chat.MessageGIF {
		t.Errorf("expected messageType gif, got %q", sm.MessageType)
	}
	if sm.TempID != "t1" {
		t.Errorf("expected tempId t1, got %q", sm.TempID)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a new_message server event
// ---------------------------------------------------------------------------

func TestNewServerMessage_NewMessage(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	payload := NewMessageMsg{
		Message: chat.Message{
			ID:        "msg-1",
			Seq:       7,
			MatchID:   "m-1",
			SenderID:  "alice",
			Content:   "hi",
			Type:      chat.MessageText,
			CreatedAt: created,
		},
		MatchID: "m-1",
	}

	data, err := NewServerMessage(TypeNewMessage, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeNewMessage {
		t.Errorf("expected type %q, got %v", TypeNewMessage, result["type"])
	}
	if result["matchId"] != "m-1" {
		t.Errorf("expected matchId m-1, got %v", result["matchId"])
	}

	message, ok := result["message"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected message object, got %T", result["message"])
	}
	for key, want := range map[string]interface{}{
		"id":          "msg-1",
		"senderId":    "alice",
		"content":     "hi",
		"messageType": "text",
		"seq":         float64(7),
		"read":        false,
	} {
		if message[key] != want {
			t.Errorf("message[%q] = %v, want %v", key, message[key], want)
		}
	}
}

func TestNewServerMessage_UserTypingFields(t *testing.T) {
	data, err := NewServerMessage(TypeUserTyping, UserTypingMsg{UserID: "alice", MatchID: "m1", IsTyping: false})
	if err != nil {
		t.Fatal(err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatal(err)
	}
	// isTyping:false must be present on the wire, not omitted.
	v, ok := result["isTyping"]
	if !ok || v != false {
		t.Errorf("expected isTyping=false present, got %v (present=%v)", v, ok)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown event type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("expected ErrUnknownType, got %v", err)
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

func TestParseClientMessage_MissingMatchID(t *testing.T) {
	for _, typ := range []string{TypeJoinMatch, TypeLeaveMatch, TypeSendMessage, TypeTypingStart, TypeTypingStop, TypeMarkMessagesRead} {
		t.Run(typ, func(t *testing.T) {
			_, _, err := ParseClientMessage([]byte(fmt.Sprintf(`{"type":%q}`, typ)))
			if !errors.Is(err, ErrMissingMatchID) {
				t.Errorf("expected ErrMissingMatchID, got %v", err)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client event types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"join_match", `{"type":"join_match","matchId":"m1"}`, TypeJoinMatch},
		{"leave_match", `{"type":"leave_match","matchId":"m1"}`, TypeLeaveMatch},
		{"send_message", `{"type":"send_message","matchId":"m1","content":"hi"}`, TypeSendMessage},
		{"typing_start", `{"type":"typing_start","matchId":"m1"}`, TypeTypingStart},
		{"typing_stop", `{"type":"typing_stop","matchId":"m1"}`, TypeTypingStop},
		{"mark_messages_read", `{"type":"mark_messages_read","matchId":"m1"}`, TypeMarkMessagesRead},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}

func TestParseServerMessage_AllTypes(t *testing.T) {
	cases := []struct {
		input    string
		wantType string
		wantMsg  interface{}
	}{
		{`{"type":"connected","connectionId":"c1","userId":"u1"}`, TypeConnected, ConnectedMsg{}},
		{`{"type":"match_joined","matchId":"m1"}`, TypeMatchJoined, MatchJoinedMsg{}},
		{`{"type":"match_left","matchId":"m1"}`, TypeMatchLeft, MatchLeftMsg{}},
		{`{"type":"new_message","matchId":"m1","message":{"id":"x"}}`, TypeNewMessage, NewMessageMsg{}},
		{`{"type":"message_sent","matchId":"m1","message":{"id":"x"},"tempId":"t"}`, TypeMessageSent, MessageSentMsg{}},
		{`{"type":"user_typing","matchId":"m1","userId":"u","isTyping":true}`, TypeUserTyping, UserTypingMsg{}},
		{`{"type":"messages_read","matchId":"m1","readerId":"u"}`, TypeMessagesRead, MessagesReadMsg{}},
		{`{"type":"matchNotification","notification":{"id":"n"}}`, TypeMatchNotification, NotificationMsg{}},
		{`{"type":"messageNotification","notification":{"id":"n"}}`, TypeMessageNotification, NotificationMsg{}},
		{`{"type":"error","code":"unauthorized","message":"no"}`, TypeError, ErrorMsg{}},
		{`{"type":"pong"}`, TypePong, PongMsg{}},
	}
	for _, tc := range cases {
		t.Run(tc.wantType, func(t *testing.T) {
			msgType, msg, err := ParseServerMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("type = %q, want %q", msgType, tc.wantType)
			}
			if fmt.Sprintf("%T", msg) != fmt.Sprintf("%T", tc.wantMsg) {
				t.Errorf("decoded %T, want %T", msg, tc.wantMsg)
			}
		})
	}
}

func TestErrorFor(t *testing.T) {
	e := ErrorFor(TypeSendMessage, "m1", &chat.RateLimitError{RetryAfter: 1500 * time.Millisecond})
	if e.Code != CodeRateLimited {
		t.Errorf("code = %q", e.Code)
	}
	if e.RetryAfter != 1 {
		t.Errorf("retryAfter = %d, want 1", e.RetryAfter)
	}
	if e.Event != TypeSendMessage || e.MatchID != "m1" {
		t.Errorf("unexpected context: %+v", e)
	}

	e = ErrorFor(TypeJoinMatch, "m2", fmt.Errorf("channel: join: %w", chat.ErrUnauthorized))
	if e.Code != CodeUnauthorized || e.RetryAfter != 0 {
		t.Errorf("unexpected error event: %+v", e)
	}

	e = ErrorFor(TypeSendMessage, "m3", errors.New("db down"))
	if e.Code != CodeInternal || e.Message != "internal error" {
		t.Errorf("internal errors must not leak detail: %+v", e)
	}
}

func TestNotificationType(t *testing.T) {
	if got := NotificationType(chat.Notification{Type: chat.NotificationNewMessage}); got != TypeMessageNotification {
		t.Errorf("new_message -> %q", got)
	}
	for _, typ := range []chat.NotificationType{chat.NotificationNewMatch, chat.NotificationLike, chat.NotificationSuperLike} {
		if got := NotificationType(chat.Notification{Type: typ}); got != TypeMatchNotification {
			t.Errorf("%s -> %q", typ, got)
		}
	}
}
