// Package socketio is a small Socket.IO v4 client running over a single
// Engine.IO v4 websocket.
//
// A Manager owns the websocket and multiplexes any number of namespace
// Sockets over it. Only the websocket transport and text packets are
// supported; polling upgrades and binary attachments are not.
//
// Handlers run on the Manager's reader goroutine, one packet at a time,
// so events on one connection are delivered in arrival order.
package socketio
