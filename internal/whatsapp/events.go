package whatsapp

import (
	"fmt"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/bridge"
)

// Status codes reported for closes that carry no code of their own.
const (
	codeStreamReplaced = 440
	codeTempBanned     = 402
	codeClientOutdated = 405
	codeTimedOut       = 408
)

// translate maps a whatsmeow event to a bridge event. self is only called
// for events that need the account's phone number.
func translate(raw any, self func() string) (bridge.ClientEvent, bool) {
	switch evt := raw.(type) {
	case *events.PairSuccess:
		return bridge.Paired{PhoneNumber: evt.ID.User}, true

	case *events.Connected:
		return bridge.ConnectionOpened{PhoneNumber: self()}, true

	case *events.Message:
		return bridge.MessageReceived{
			WAID:      evt.Info.ID,
			ChatID:    evt.Info.Chat.String(),
			Sender:    evt.Info.Sender.ToNonAD().String(),
			PushName:  evt.Info.PushName,
			Body:      extractMessageText(evt.Message),
			IsGroup:   evt.Info.IsGroup,
			IsFromMe:  evt.Info.IsFromMe,
			Timestamp: evt.Info.Timestamp,
		}, true
	}

	if reason, ok := classifyClose(raw); ok {
		return bridge.ConnectionClosed{Reason: reason}, true
	}
	return nil, false
}

// classifyClose reports whether raw ends the connection and why.
func classifyClose(raw any) (bridge.CloseReason, bool) {
	switch evt := raw.(type) {
	case *events.Disconnected:
		return bridge.CloseReason{Kind: bridge.CloseTransient}, true

	case *events.LoggedOut:
		return bridge.CloseReason{Kind: bridge.CloseLoggedOut, Code: int(evt.Reason)}, true

	case *events.StreamReplaced:
		return bridge.CloseReason{Kind: bridge.CloseReplaced, Code: codeStreamReplaced}, true

	case *events.ConnectFailure:
		code := int(evt.Reason)
		switch {
		case evt.Reason.IsLoggedOut():
			return bridge.CloseReason{Kind: bridge.CloseLoggedOut, Code: code}, true
		case evt.Reason == events.ConnectFailureInternalServerError,
			evt.Reason == events.ConnectFailureServiceUnavailable:
			return bridge.CloseReason{Kind: bridge.CloseTransient, Code: code}, true
		default:
			return bridge.CloseReason{
				Kind: bridge.CloseUnknown,
				Code: code,
				Err:  fmt.Errorf("connect failure: %s", evt.Message),
			}, true
		}

	case *events.TemporaryBan:
		return bridge.CloseReason{
			Kind: bridge.CloseUnknown,
			Code: codeTempBanned,
			Err:  fmt.Errorf("temporarily banned: %s", evt.String()),
		}, true

	case *events.ClientOutdated:
		return bridge.CloseReason{Kind: bridge.CloseUnknown, Code: codeClientOutdated}, true

	case *events.KeepAliveTimeout:
		// With auto-reconnect off whatsmeow never drops a dead socket itself.
		if time.Since(evt.LastSuccess) <= whatsmeow.KeepAliveMaxFailTime {
			return bridge.CloseReason{}, false
		}
		return bridge.CloseReason{
			Kind: bridge.CloseTransient,
			Code: codeTimedOut,
			Err:  fmt.Errorf("keepalive failing since %s (%d errors)", evt.LastSuccess.Format(time.RFC3339), evt.ErrorCount),
		}, true

	case *events.StreamError:
		return bridge.CloseReason{
			Kind: bridge.CloseUnknown,
			Err:  fmt.Errorf("stream error %s", evt.Code),
		}, true
	}
	return bridge.CloseReason{}, false
}

// extractMessageText pulls the plain-text content out of a WhatsApp message.
func extractMessageText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if msg.Conversation != nil {
		return msg.GetConversation()
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return vid.GetCaption()
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		return doc.GetCaption()
	}
	return ""
}
