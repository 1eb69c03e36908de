package certstore

import "errors"

var (
	// ErrNoCertificate is returned when the store holds no active material.
	ErrNoCertificate = errors.New("no certificate material in store")

	// ErrMismatchedPair is returned when a certificate and private key do
	// not belong together. The store rejects such pairs before writing.
	ErrMismatchedPair = errors.New("certificate does not match private key")
)
