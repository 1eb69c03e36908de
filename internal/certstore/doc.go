// Package certstore provides durable shared storage for the active TLS
// certificate material, the ACME account state, and the HTTP-01 challenge
// webroot.
//
// The certificate and its private key are written together into a fresh
// version directory and published by atomically swapping a "current"
// symlink. Readers resolve fixed paths through the symlink, so a TLS
// handshake always observes a complete, matching pair and never a partial
// write. Reads require no locking.
//
// Layout under the store root:
//
//	current -> versions/<n>/                  active material
//	versions/<n>/fullchain.pem                certificate chain
//	versions/<n>/privkey.pem                  private key
//	webroot/.well-known/acme-challenge/       transient challenge tokens
//	account/                                  ACME account key and registration
//	dhparam.pem                               provisioned out-of-band, read-only
package certstore
