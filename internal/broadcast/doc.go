// Package broadcast keeps operator consoles in sync with the state store.
//
// Every store transition that changed state becomes an Update: the new
// version, the version it replaces and an RFC 6902 patch between the two
// snapshots. Updates reach each registered console through its own queue, so
// a console sees versions in order. A console that detects a gap asks for the
// full state again.
//
// Consoles may also submit actions. Only the types returned by
// AllowedActions are accepted, and each one is tagged with the submitting
// operator and connection before it reaches the reducers.
package broadcast
