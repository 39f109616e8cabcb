// Package dedupe remembers recently routed message ids so that a message
// resent by a second customer tab or a reconnecting client is routed once.
package dedupe
