// Package assign decides which operator takes each chat.
//
// # Bidding
//
// Assign sends an "available" request to every connection of every online
// operator and waits at most the bid timeout. The first usable answer per
// operator is its bid. Rank orders eligible bids by load/capacity ratio,
// then larger capacity, then operator id. The winner is committed under a
// lock after rechecking the directory, so an operator is never pushed past
// its capacity. A chat nobody can take is marked missed and ErrNoOperator is
// returned.
//
// # Other Operations
//
//   - Transfer: move a chat to a named operator, logging a transfer event
//   - Recover: hand abandoned chats back to an operator that reconnected
//   - Reassign: re-bid a set of chats
//   - AssignNext: re-bid the oldest missed chat once capacity frees up
package assign
