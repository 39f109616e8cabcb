// Package reaper periodically cleans up the chat registry.
//
// Closed chats are removed once they have been closed for longer than the
// stale age (4h by default). Chats abandoned by a disconnected operator are
// re-bid once they have waited longer than the abandon timeout, if one is set.
package reaper
