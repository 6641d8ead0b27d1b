// Package relayhttp exposes the relay over HTTP and WebSocket.
//
// JSON endpoints live under /api/1 and answer with a versioned envelope:
//
//	{"apiVersion":"1.0","method":"/api/1/accesses","url":"…","params":{…},"access":{…}}
//
// Failures replace the payload with an error object carrying the HTTP
// status, a human readable message and, for input problems, a per-field
// error map. Null members are omitted.
//
// Two WebSocket channels relay authentication results:
//
//   - /ws/1/authentication/{token} delivers the result of one
//     authentication session, without its access token, then closes.
//   - /ws/1/authentications/{access_token} stays open and delivers every
//     authentication addressed to the client, each carrying a token scoped
//     to that client.
//
// Handshake problems (unknown token, wrong token kind, blocked entities)
// are reported with the JSON envelope before the connection is upgraded.
package relayhttp
