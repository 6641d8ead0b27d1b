// Package identity completes an authentication flow: it verifies the
// assertion posted back by the identity provider, provisions the account
// and its main access, and announces the result on the bus so that waiting
// session and client channels can relay it.
package identity
