// Package sessions tracks live bidirectional client sessions and delivers
// messages to them.
//
// A Registry maps a client identifier to the set of sessions currently open
// for it. One identifier may own many sessions (several tabs or devices);
// each session wraps a single Conn. Every session present in the registry is
// Open, and a session is removed no later than the moment it becomes Closed,
// so the registry alone decides who is reachable.
//
// # Lifecycle
//
//	Connecting -> Open -> Closing -> Closed
//
// Connect registers an accepted transport and moves it to Open. Serve runs
// the receive loop for one session, routing every inbound frame through
// Dispatch until the client closes, the transport fails, or CloseAll tears
// the session down. Disconnect is idempotent and may race with CloseAll.
//
// # Frames
//
// Inbound frames are JSON objects carrying a "type" member. Dispatch routes
// them to the HandlerFunc registered on the Registry's Mux. A frame that is
// not JSON, lacks a type, names an unknown type, or whose handler fails is
// answered in-session with an error frame:
//
//	{"type":"error","error":{"code":"unknown_type","message":"..."}}
//
// and the session stays Open. NewMux pre-registers ping (answered with
// pong) and subscribe/unsubscribe, which maintain the topic set consulted by
// the Subscribed predicate.
//
// # Delivery
//
// Broadcast and SendToClient snapshot the matching sessions under the
// registry lock and send outside it. Sends to one session are serialized so
// they arrive in send order; no ordering holds across sessions. A failed
// delivery never stops delivery to the others: failures are reported
// together as a *BroadcastError.
package sessions
