// ABOUTME: Package transport carries customer and operator connections over WebSocket
// ABOUTME: Frames are JSON encoded conn.Frame values in both directions

// Package transport serves the browser facing channels.
//
// Each upgrade is authenticated from the Authorization header or the token
// query parameter. Rejected clients receive an "unauthorized" frame before
// the socket closes. Accepted connections are registered with the
// conn.Manager, handed to the role's conn.Handler and kept alive with
// ping/pong until the peer disconnects.
package transport
