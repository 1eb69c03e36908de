package certstore

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"
)

const (
	certFileName = "fullchain.pem"
	keyFileName  = "privkey.pem"
	dhFileName   = "dhparam.pem"

	currentLink    = "current"
	versionsDir    = "versions"
	webrootDirName = "webroot"
	accountDirName = "account"

	accountKeyFileName   = "account.key"
	accountStateFileName = "account.json"

	// challengeSubdir is the path the CA fetches tokens from, relative to
	// the webroot.
	challengeSubdir = ".well-known/acme-challenge"

	// keptVersions is how many version directories survive pruning. The
	// previous version stays on disk because an in-flight reader may still
	// hold its files open.
	keptVersions = 2
)

// Store is a filesystem-backed certificate store. All write operations are
// atomic with respect to readers.
type Store struct {
	dir string
}

// New opens the store rooted at dir, creating the directory skeleton if it
// does not exist yet.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("store directory is required")
	}

	if err := os.MkdirAll(filepath.Join(dir, versionsDir), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, webrootDirName, challengeSubdir), 0o755); err != nil {
		return nil, fmt.Errorf("create challenge webroot: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, accountDirName), 0o700); err != nil {
		return nil, fmt.Errorf("create account directory: %w", err)
	}

	return &Store{dir: dir}, nil
}

// Dir returns the store root.
func (s *Store) Dir() string { return s.dir }

// CertificatePath is the fixed path of the active certificate chain. It
// resolves through the atomically swapped version symlink.
func (s *Store) CertificatePath() string {
	return filepath.Join(s.dir, currentLink, certFileName)
}

// PrivateKeyPath is the fixed path of the active private key.
func (s *Store) PrivateKeyPath() string {
	return filepath.Join(s.dir, currentLink, keyFileName)
}

// DHParamsPath is the fixed path of the Diffie-Hellman parameters. The file
// is provisioned out-of-band and never written by this process.
func (s *Store) DHParamsPath() string {
	return filepath.Join(s.dir, dhFileName)
}

// WebrootDir is the directory served over plain HTTP for domain validation.
func (s *Store) WebrootDir() string {
	return filepath.Join(s.dir, webrootDirName)
}

// ChallengeDir is the directory challenge tokens are published into.
func (s *Store) ChallengeDir() string {
	return filepath.Join(s.dir, webrootDirName, challengeSubdir)
}

// AccountKeyPath is the location of the ACME account private key.
func (s *Store) AccountKeyPath() string {
	return filepath.Join(s.dir, accountDirName, accountKeyFileName)
}

// AccountStatePath is the location of the persisted ACME registration.
func (s *Store) AccountStatePath() string {
	return filepath.Join(s.dir, accountDirName, accountStateFileName)
}

// HasCertificate reports whether the store holds an active pair.
func (s *Store) HasCertificate() bool {
	if _, err := os.Stat(s.CertificatePath()); err != nil {
		return false
	}
	_, err := os.Stat(s.PrivateKeyPath())
	return err == nil
}

// Load reads the active pair for TLS termination.
func (s *Store) Load() (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(s.CertificatePath(), s.PrivateKeyPath())
	if err != nil {
		if os.IsNotExist(err) {
			return tls.Certificate{}, ErrNoCertificate
		}
		return tls.Certificate{}, fmt.Errorf("load certificate material: %w", err)
	}
	return cert, nil
}

// Material describes the active certificate. It is derived from the stored
// chain on demand, never persisted separately.
type Material struct {
	IssuedAt   time.Time
	ExpiresAt  time.Time
	SelfSigned bool
}

// Info parses the active certificate and returns its metadata.
func (s *Store) Info() (Material, error) {
	data, err := os.ReadFile(s.CertificatePath())
	if err != nil {
		if os.IsNotExist(err) {
			return Material{}, ErrNoCertificate
		}
		return Material{}, fmt.Errorf("read certificate: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return Material{}, fmt.Errorf("certificate at %s is not PEM encoded", s.CertificatePath())
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return Material{}, fmt.Errorf("parse certificate: %w", err)
	}

	return Material{
		IssuedAt:   leaf.NotBefore,
		ExpiresAt:  leaf.NotAfter,
		SelfSigned: bytes.Equal(leaf.RawIssuer, leaf.RawSubject),
	}, nil
}

// Replace atomically installs a new certificate/key pair as the active
// material. The pair is validated first; a mismatched pair leaves the store
// untouched. Readers observe either the complete old pair or the complete
// new pair, never a mix.
func (s *Store) Replace(certPEM, keyPEM []byte) error {
	if _, err := tls.X509KeyPair(certPEM, keyPEM); err != nil {
		return fmt.Errorf("%w: %v", ErrMismatchedPair, err)
	}

	version := strconv.FormatInt(time.Now().UnixNano(), 10)
	versionPath := filepath.Join(s.dir, versionsDir, version)
	if err := os.MkdirAll(versionPath, 0o755); err != nil {
		return fmt.Errorf("create version directory: %w", err)
	}

	if err := writeFileSync(filepath.Join(versionPath, certFileName), certPEM, 0o644); err != nil {
		_ = os.RemoveAll(versionPath)
		return fmt.Errorf("write certificate: %w", err)
	}
	if err := writeFileSync(filepath.Join(versionPath, keyFileName), keyPEM, 0o600); err != nil {
		_ = os.RemoveAll(versionPath)
		return fmt.Errorf("write private key: %w", err)
	}

	// Swap the symlink in two steps: create under a temporary name, then
	// rename over the existing link. Rename is the atomic publish point.
	linkTmp := filepath.Join(s.dir, currentLink+".tmp")
	_ = os.Remove(linkTmp)
	if err := os.Symlink(filepath.Join(versionsDir, version), linkTmp); err != nil {
		_ = os.RemoveAll(versionPath)
		return fmt.Errorf("stage version symlink: %w", err)
	}
	if err := os.Rename(linkTmp, filepath.Join(s.dir, currentLink)); err != nil {
		_ = os.Remove(linkTmp)
		_ = os.RemoveAll(versionPath)
		return fmt.Errorf("publish version: %w", err)
	}

	s.pruneVersions()
	return nil
}

// pruneVersions removes stale version directories, best effort.
func (s *Store) pruneVersions() {
	entries, err := os.ReadDir(filepath.Join(s.dir, versionsDir))
	if err != nil || len(entries) <= keptVersions {
		return
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Slice(names, func(i, j int) bool {
		a, _ := strconv.ParseInt(names[i], 10, 64)
		b, _ := strconv.ParseInt(names[j], 10, 64)
		return a < b
	})

	for _, name := range names[:max(0, len(names)-keptVersions)] {
		_ = os.RemoveAll(filepath.Join(s.dir, versionsDir, name))
	}
}

func writeFileSync(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
