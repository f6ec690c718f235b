package certs

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Manager decides whether the recorded root and leaf certificates are still
// usable and reissues whichever are not.
type Manager struct {
	root     Store
	personal Store
	profile  Profile
	now      func() time.Time
	logger   *slog.Logger
}

// ManagerOptions wires the stores and issuance profile.
type ManagerOptions struct {
	Root     Store
	Personal Store
	Profile  Profile
	Now      func() time.Time
	Logger   *slog.Logger
}

// NewManager validates opts and returns a Manager.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Root == nil || opts.Personal == nil {
		return nil, errors.New("certs: root and personal stores required")
	}
	profile := opts.Profile
	if len(profile.DNSNames) == 0 {
		return nil, errors.New("certs: profile requires DNS names")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		root:     opts.Root,
		personal: opts.Personal,
		profile:  profile,
		now:      now,
		logger:   logger.With(slog.String("agent", "certs")),
	}, nil
}

// Ensure returns the serving certificate and the identity that now describes
// the installed certificates. The root is kept when its thumbprint is recorded,
// present in the root store and issued at CurrentVersion or later. The leaf is
// kept when the root was kept and the leaf thumbprint is found in the personal
// store. A recreated root removes both previously recorded certificates first.
func (m *Manager) Ensure(ctx context.Context, id Identity) (tls.Certificate, Identity, error) {
	var root *Bundle
	if id.RootThumbprint != "" && id.Version >= CurrentVersion {
		found, err := m.root.Find(ctx, id.RootThumbprint)
		switch {
		case err == nil:
			root = found
		case errors.Is(err, ErrNotFound):
			m.logger.Info("recorded root missing", slog.String("thumbprint", id.RootThumbprint))
		default:
			return tls.Certificate{}, id, err
		}
	}

	rootRecreated := false
	if root == nil {
		if err := m.retire(ctx, id); err != nil {
			return tls.Certificate{}, id, err
		}
		created, err := NewRootCA(m.profile, m.now())
		if err != nil {
			return tls.Certificate{}, id, err
		}
		if err := m.root.Add(ctx, created); err != nil {
			return tls.Certificate{}, id, err
		}
		root = created
		rootRecreated = true
		id.RootThumbprint = created.Thumbprint()
		id.PersonalThumbprint = ""
		id.Version = CurrentVersion
		m.logger.Info("root certificate created",
			slog.String("thumbprint", id.RootThumbprint),
			slog.Time("not_after", created.Cert.NotAfter),
		)
	}

	var leaf *Bundle
	if !rootRecreated && id.PersonalThumbprint != "" {
		found, err := m.personal.Find(ctx, id.PersonalThumbprint)
		switch {
		case err == nil:
			leaf = found
		case errors.Is(err, ErrNotFound):
			m.logger.Info("recorded leaf missing", slog.String("thumbprint", id.PersonalThumbprint))
		default:
			return tls.Certificate{}, id, err
		}
	}

	if leaf == nil {
		issued, err := IssueLeaf(root, m.profile, m.now())
		if err != nil {
			return tls.Certificate{}, id, err
		}
		if err := m.personal.Add(ctx, issued); err != nil {
			return tls.Certificate{}, id, err
		}
		leaf = issued
		id.PersonalThumbprint = issued.Thumbprint()
		m.logger.Info("leaf certificate issued",
			slog.String("thumbprint", id.PersonalThumbprint),
			slog.Any("dns_names", issued.Cert.DNSNames),
		)
	}

	return leaf.TLSCertificate(root), id, nil
}

// Remove deletes both recorded certificates. It keeps going after a failure,
// treats missing entries as removed and returns every failure joined.
func (m *Manager) Remove(ctx context.Context, id Identity) error {
	var errs []error
	if id.RootThumbprint != "" {
		if err := m.root.Remove(ctx, id.RootThumbprint); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, fmt.Errorf("remove root %s: %w", id.RootThumbprint, err))
		}
	}
	if id.PersonalThumbprint != "" {
		if err := m.personal.Remove(ctx, id.PersonalThumbprint); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, fmt.Errorf("remove leaf %s: %w", id.PersonalThumbprint, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) retire(ctx context.Context, id Identity) error {
	if id.RootThumbprint != "" {
		if err := m.root.Remove(ctx, id.RootThumbprint); err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("retire root: %w", err)
		}
	}
	if id.PersonalThumbprint != "" {
		if err := m.personal.Remove(ctx, id.PersonalThumbprint); err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("retire leaf: %w", err)
		}
	}
	return nil
}
