// Package bearer holds the session credential used by the messaging client.
//
// The credential is issued by the auth service and is opaque to this process.
// When it happens to be a JWT, its subject and expiry are read without
// verifying the signature; the backend remains the only verifier.
//
// Environment:
// - TELECHAT_BEARER_TOKEN: the credential attached to REST calls and the broker dial.
package bearer
