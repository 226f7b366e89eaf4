// Package chatsync keeps a client's view of its one-to-one conversations in
// sync with a messaging backend.
//
// A Manager owns the push connection (heartbeat, reconnect backoff, topic
// subscriptions) over a pluggable Transport. Pushed, fetched and self-sent
// messages are normalized and folded into an Aggregator (conversation
// summaries and unread counts) and a MessageCache (the open conversation),
// both deduplicated by message id. A Reconciler marks messages read on the
// server after they have been shown. Session wires all of it together.
//
// Example:
//
//	mgr, _ := chatsync.NewManager(chatsync.Config{
//		Transport: &chatsync.WebSocketTransport{URL: "wss://chat.example.com/ws"},
//	})
//	api := chatsync.NewClient("https://chat.example.com", token, userID)
//	sess, _ := chatsync.NewSession(chatsync.SessionConfig{
//		SelfID:     userID,
//		Credential: token,
//		API:        api,
//	}, mgr)
//	sess.OnUpdate(func(u chatsync.Update) { render(sess.Conversations()) })
//	go sess.Run(ctx)
package chatsync

import (
	"github.com/rs/zerolog"
)

func loggerOrNop(l *zerolog.Logger) *zerolog.Logger {
	if l != nil {
		return l
	}
	nop := zerolog.Nop()
	return &nop
}

func componentLogger(l *zerolog.Logger, component string) *zerolog.Logger {
	sub := loggerOrNop(l).With().Str("component", component).Logger()
	return &sub
}
