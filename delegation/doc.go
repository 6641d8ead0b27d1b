// Package delegation relays authentication outcomes from the event bus to
// push-channel consumers.
//
// Two listener kinds exist. A session listener is bound to one
// authentication session: it waits for the matching "authenticated" event,
// strips the internal access token and emits a single frame. A client
// listener is bound to one client application: for every "authenticated"
// event addressed to that client it swaps the account's main access token
// for a client-scoped derived token and emits the rewritten event.
//
// Each listener owns its bus subscription and runs its loop in a
// background goroutine. Frames are handed to the transport through the
// channel returned by Frames; the channel is closed when the loop ends.
package delegation
