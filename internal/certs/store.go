package certs

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrStoreAccess wraps certificate store I/O failures, permission denials included.
	ErrStoreAccess = errors.New("certs: certificate store access failed")
	// ErrNotFound reports that a thumbprint has no usable entry in a store.
	ErrNotFound = errors.New("certs: certificate not found")
)

// Store keeps certificates addressed by thumbprint.
type Store interface {
	Find(ctx context.Context, thumbprint string) (*Bundle, error)
	Add(ctx context.Context, bundle *Bundle) error
	Remove(ctx context.Context, thumbprint string) error
}

// FileStore persists each bundle as <thumbprint>.crt (PEM certificate) and
// <thumbprint>.key (PEM PKCS#8 key) inside a single directory.
type FileStore struct {
	dir string
}

// NewFileStore returns a store rooted at dir. The directory is created on first Add.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Dir returns the store directory.
func (s *FileStore) Dir() string { return s.dir }

// CertPath returns where the PEM certificate for thumbprint lives.
func (s *FileStore) CertPath(thumbprint string) string {
	return filepath.Join(s.dir, normalizeThumbprint(thumbprint)+".crt")
}

func (s *FileStore) keyPath(thumbprint string) string {
	return filepath.Join(s.dir, normalizeThumbprint(thumbprint)+".key")
}

// Find loads the bundle for thumbprint. Missing or unreadable entries report
// ErrNotFound so callers can reissue; other I/O errors report ErrStoreAccess.
func (s *FileStore) Find(ctx context.Context, thumbprint string) (*Bundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validThumbprint(thumbprint) {
		return nil, fmt.Errorf("%w: malformed thumbprint %q", ErrNotFound, thumbprint)
	}
	certPEM, err := readEntry(s.CertPath(thumbprint))
	if err != nil {
		return nil, err
	}
	keyPEM, err := readEntry(s.keyPath(thumbprint))
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%w: %s: certificate PEM undecodable", ErrNotFound, thumbprint)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, thumbprint, err)
	}
	if Thumbprint(cert.Raw) != normalizeThumbprint(thumbprint) {
		return nil, fmt.Errorf("%w: %s: thumbprint mismatch", ErrNotFound, thumbprint)
	}

	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("%w: %s: key PEM undecodable", ErrNotFound, thumbprint)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, thumbprint, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s: key is %T", ErrNotFound, thumbprint, parsed)
	}
	return &Bundle{Cert: cert, Key: key}, nil
}

// Add writes bundle, replacing any previous entry with the same thumbprint.
func (s *FileStore) Add(ctx context.Context, bundle *Bundle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if bundle == nil || bundle.Cert == nil || bundle.Key == nil {
		return fmt.Errorf("%w: incomplete bundle", ErrStoreAccess)
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrStoreAccess, s.dir, err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(bundle.Key)
	if err != nil {
		return fmt.Errorf("%w: marshal key: %v", ErrStoreAccess, err)
	}
	thumbprint := bundle.Thumbprint()
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: bundle.Cert.Raw})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(s.keyPath(thumbprint), keyPEM, 0o600); err != nil {
		return fmt.Errorf("%w: write key: %v", ErrStoreAccess, err)
	}
	if err := os.WriteFile(s.CertPath(thumbprint), certPEM, 0o644); err != nil {
		return fmt.Errorf("%w: write certificate: %v", ErrStoreAccess, err)
	}
	return nil
}

// Remove deletes the entry for thumbprint. Absent entries are not an error.
func (s *FileStore) Remove(ctx context.Context, thumbprint string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !validThumbprint(thumbprint) {
		return nil
	}
	var errs []error
	for _, path := range []string{s.CertPath(thumbprint), s.keyPath(thumbprint)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("%w: remove %s: %v", ErrStoreAccess, path, err))
		}
	}
	return errors.Join(errs...)
}

func readEntry(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(path))
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrStoreAccess, path, err)
	}
	return data, nil
}

func normalizeThumbprint(thumbprint string) string {
	return strings.ToUpper(strings.TrimSpace(thumbprint))
}

// validThumbprint keeps thumbprints from naming paths outside the store.
func validThumbprint(thumbprint string) bool {
	t := normalizeThumbprint(thumbprint)
	if t == "" {
		return false
	}
	for _, r := range t {
		if (r < '0' || r > '9') && (r < 'A' || r > 'F') {
			return false
		}
	}
	return true
}
