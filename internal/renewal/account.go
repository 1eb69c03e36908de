package renewal

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/go-acme/lego/v4/registration"

	"github.com/dashkit/certproxy/internal/certstore"
)

// account implements registration.User. The key and registration resource
// live in the store's account directory so the agent keeps one CA identity
// across restarts.
type account struct {
	email        string
	key          crypto.PrivateKey
	registration *registration.Resource
}

func (a *account) GetEmail() string                        { return a.email }
func (a *account) GetRegistration() *registration.Resource { return a.registration }
func (a *account) GetPrivateKey() crypto.PrivateKey        { return a.key }

// loadAccount reads the persisted account state, creating a fresh key on
// first use.
func loadAccount(store *certstore.Store, email string) (*account, error) {
	key, err := loadOrCreateKey(store.AccountKeyPath())
	if err != nil {
		return nil, err
	}

	acc := &account{email: email, key: key}

	data, err := os.ReadFile(store.AccountStatePath())
	if err == nil {
		var reg registration.Resource
		if json.Unmarshal(data, &reg) == nil {
			acc.registration = &reg
		}
	}

	return acc, nil
}

// saveRegistration persists the registration resource alongside the key.
func saveRegistration(store *certstore.Store, reg *registration.Resource) error {
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registration: %w", err)
	}
	if err := os.WriteFile(store.AccountStatePath(), data, 0o600); err != nil {
		return fmt.Errorf("write registration: %w", err)
	}
	return nil
}

func loadOrCreateKey(path string) (crypto.PrivateKey, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("account key at %s is not PEM encoded", path)
		}
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse account key: %w", err)
		}
		return key, nil

	case os.IsNotExist(err):
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate account key: %w", err)
		}
		der, err := x509.MarshalECPrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("encode account key: %w", err)
		}
		data := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return nil, fmt.Errorf("write account key: %w", err)
		}
		return key, nil

	default:
		return nil, fmt.Errorf("read account key: %w", err)
	}
}
