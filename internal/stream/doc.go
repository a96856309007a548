// Package stream serves subscriber connections over Server-Sent Events.
//
// It is the one-way counterpart of package subscriber: clients that cannot
// hold a websocket (proxies that strip upgrades, plain EventSource in a
// browser) receive the same events from the same connection registry.
// Topics are fixed at connect time through the topics query parameter.
//
// Frames follow the text/event-stream format:
//
//	id: <origin>/<topic>/<sequence>
//	event: <event type>
//	data: <event JSON>
//
// Control events (heartbeat, connection_established) carry no id. There is
// no resume: a reconnecting client starts from live traffic.
package stream
