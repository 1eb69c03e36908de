package proxy

import (
	"crypto/tls"
	"errors"
	"sync/atomic"

	"github.com/dashkit/certproxy/internal/certstore"
)

// ErrNoCertificateLoaded is returned to handshakes before any material has
// been loaded. Bootstrap runs before the listeners open, so this indicates
// a wiring bug rather than a runtime condition.
var ErrNoCertificateLoaded = errors.New("no certificate material loaded")

// keypair holds the active certificate behind an atomic pointer. Handshakes
// read it lock-free; reloads swap the whole pair at once.
type keypair struct {
	v atomic.Value // *tls.Certificate
}

// load reads the current pair from the store and makes it the one served to
// subsequent handshakes. On error the previously loaded pair stays active.
func (k *keypair) load(store *certstore.Store) error {
	cert, err := store.Load()
	if err != nil {
		return err
	}
	k.v.Store(&cert)
	return nil
}

// get satisfies tls.Config.GetCertificate. Established connections are
// unaffected by swaps; they already negotiated their session.
func (k *keypair) get(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert, _ := k.v.Load().(*tls.Certificate)
	if cert == nil {
		return nil, ErrNoCertificateLoaded
	}
	return cert, nil
}
