// Package federation implements the login round trip against third-party
// identity providers: state nonces, provider descriptors, the authorization
// redirect, the callback and the server-side code exchange.
//
// The order of operations is fixed. A nonce is issued before the redirect that
// carries it, the callback consumes that nonce before any code is exchanged,
// and a session is committed only after the exchange succeeds.
package federation
