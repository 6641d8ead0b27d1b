// Package authsession manages one-time authentication sessions.
//
// A session is opened by a client application right before it redirects a
// user to the identity provider. Its token travels through the provider as
// the OAuth "state" parameter and names the push channel on which the
// browser waits for the outcome. A session is consumed at most once:
// the first consumer deletes it and any later attempt sees ErrNotFound.
//
//	Active --Claim--> Consumed
//	Active --TTL----> Expired (swept lazily, surfaced as ErrNotFound)
package authsession
