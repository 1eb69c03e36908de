// Package proxy implements the TLS-terminating reverse proxy in front of
// the dashboard backend.
//
// Two listeners run side by side. The plaintext listener exists only to
// serve HTTP-01 challenge tokens from the store webroot and to redirect
// everything else to HTTPS. The TLS listener terminates with the material
// currently in the certificate store and forwards all traffic to the single
// backend, routing protocol-upgrade requests to a dedicated stream path.
//
// Reload swaps the served certificate atomically: handshakes in progress
// and established connections keep the pair they negotiated, new handshakes
// pick up the replacement.
package proxy
