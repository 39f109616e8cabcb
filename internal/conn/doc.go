// Package conn defines the transport primitive the switchboard core talks to
// and the in-process connection registry behind it.
//
// # Overview
//
// The core never touches sockets. It addresses connections and rooms through
// the Hub interface:
//
//   - Deliver(connID, event, args...): send to one connection
//   - Broadcast(room, event, args...): send to every member of a room
//   - Join / Leave: room membership
//   - Request(ctx, connID, event, args...): send and wait for a reply
//
// # Rooms
//
//   - customers/<chat id>: every customer connection of a chat session
//   - chats/<chat id>: operator connections that are members of a chat
//   - operators/<operator id>: every connection of one operator
//   - agents: every backend agent connection
//
// # Frames
//
// All transports carry the same Frame. A request has an ID; its reply names
// that ID in ReplyTo and carries either Result or Error. A connection that
// drops fails its pending requests immediately with ErrConnectionClosed.
//
// MockHub records deliveries and answers requests with per-connection
// responders, for tests of packages built on Hub.
package conn
