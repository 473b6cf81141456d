package certs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	xerrors "CredProof/internal/errors"
	"CredProof/pkg/logger"
)

const maxChainDepth = 8

// Options configures a Manager.
type Options struct {
	Algorithm         Algorithm
	Subject           string
	RotationInterval  time.Duration
	Overlap           time.Duration
	RootValidity      time.Duration
	RevocationListTTL time.Duration
	// StatusBaseURL is the certificates collection URL; leaf certificates
	// point at <base>/<id>/status.
	StatusBaseURL string
	Now           func() time.Time
	Logger        *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.Algorithm == "" {
		o.Algorithm = ES256
	}
	if strings.TrimSpace(o.Subject) == "" {
		o.Subject = "CredProof Signing"
	}
	if o.RotationInterval <= 0 {
		o.RotationInterval = 90 * 24 * time.Hour
	}
	if o.Overlap < 0 {
		o.Overlap = 0
	}
	if o.RootValidity <= 0 {
		o.RootValidity = 10 * 365 * 24 * time.Hour
	}
	if o.RevocationListTTL <= 0 {
		o.RevocationListTTL = 24 * time.Hour
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = logger.Named("certs")
	}
}

// SigningKey is an opaque handle pairing a certificate with its private key.
// A handle stays usable after rotation; in-flight signatures finish with the
// key they started with.
type SigningKey struct {
	cert *Certificate
	key  privateKey
}

// Sign signs payload.
func (k *SigningKey) Sign(payload []byte) ([]byte, error) {
	sig, err := k.key.sign(payload)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSigning, err, "sign payload")
	}
	return sig, nil
}

// Algorithm returns the signature algorithm of the key.
func (k *SigningKey) Algorithm() Algorithm { return k.key.algorithm() }

// Certificate returns a copy of the certificate bound to the key.
func (k *SigningKey) Certificate() *Certificate { return k.cert.Clone() }

// Manager owns the root CA, the active leaf signing key and the revocation
// list. Readers use atomic snapshots; rotation and revocation are serialized.
type Manager struct {
	store  Store
	sealer *sealer
	opts   Options
	log    *slog.Logger

	mu         sync.Mutex
	root       *SigningKey
	rootWarned bool
	active     atomic.Pointer[SigningKey]
	crl        atomic.Pointer[RevocationList]

	certsMu sync.RWMutex
	certs   map[string]*Certificate
}

// NewManager loads the certificate hierarchy from store, creating the root
// and a first leaf when missing.
func NewManager(ctx context.Context, store Store, masterSecret []byte, opts Options) (*Manager, error) {
	opts.applyDefaults()
	if _, err := ParseAlgorithm(string(opts.Algorithm)); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "invalid signing algorithm")
	}
	s, err := newSealer(masterSecret)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "initialise key store")
	}
	m := &Manager{
		store:  store,
		sealer: s,
		opts:   opts,
		log:    opts.Logger,
		certs:  make(map[string]*Certificate),
	}
	if err := m.load(ctx); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "load certificate hierarchy")
	}
	return m, nil
}

func (m *Manager) load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, err := m.store.Certificates(ctx)
	if err != nil {
		return err
	}
	for _, cert := range stored {
		m.certs[cert.ID] = cert
	}

	state, err := m.store.State(ctx)
	if err != nil {
		return err
	}
	if state.RootID != "" {
		root, err := m.loadKey(ctx, state.RootID)
		if err != nil {
			return fmt.Errorf("load root key: %w", err)
		}
		m.root = root
	} else {
		if err := m.createRoot(ctx); err != nil {
			return err
		}
	}

	list, err := m.store.Revocations(ctx)
	if err != nil {
		return err
	}
	if list == nil || list.IssuerID != m.root.cert.ID {
		if list, err = m.issueRevocationList(nil, 1); err != nil {
			return err
		}
		if err := m.store.PutRevocations(ctx, list); err != nil {
			return err
		}
	}
	m.crl.Store(list)

	if state.ActiveID != "" {
		active, err := m.loadKey(ctx, state.ActiveID)
		if err != nil {
			m.log.Warn("无法加载当前签名密钥，将重新签发", "certificate_id", state.ActiveID, "error", err)
		} else {
			m.active.Store(active)
		}
	}
	if m.needsRotation(m.opts.Now()) {
		if _, err := m.rotateLocked(ctx, "startup"); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) loadKey(ctx context.Context, id string) (*SigningKey, error) {
	cert, ok := m.certs[id]
	if !ok {
		return nil, fmt.Errorf("certificate %s not found", id)
	}
	sealed, err := m.store.Key(ctx, id)
	if err != nil {
		return nil, err
	}
	raw, err := m.sealer.open(id, sealed)
	if err != nil {
		return nil, err
	}
	key, err := parsePrivateKey(cert.KeyAlgorithm, raw)
	if err != nil {
		return nil, err
	}
	return &SigningKey{cert: cert, key: key}, nil
}

func (m *Manager) createRoot(ctx context.Context) error {
	key, err := generateKey(m.opts.Algorithm)
	if err != nil {
		return fmt.Errorf("generate root key: %w", err)
	}
	pub, err := key.publicKey()
	if err != nil {
		return err
	}
	now := m.opts.Now().UTC().Truncate(time.Second)
	id := uuid.NewString()
	subject := m.opts.Subject + " Root CA"
	cert := &Certificate{
		ID:                 id,
		Subject:            subject,
		Issuer:             subject,
		IssuerID:           id,
		NotBefore:          now,
		NotAfter:           now.Add(m.opts.RootValidity),
		KeyUsage:           KeyUsage{CertSign: true, CRLSign: true},
		IsCA:               true,
		KeyAlgorithm:       key.algorithm(),
		PublicKey:          pub,
		SignatureAlgorithm: key.algorithm(),
	}
	if err := signCertificate(cert, key); err != nil {
		return err
	}
	if err := m.persist(ctx, cert, key); err != nil {
		return err
	}
	if err := m.store.PutState(ctx, State{RootID: id}); err != nil {
		return err
	}
	m.certs[id] = cert
	m.root = &SigningKey{cert: cert, key: key}
	logger.Audit().Info("root certificate created", "certificate_id", id, "algorithm", cert.KeyAlgorithm)
	return nil
}

func (m *Manager) persist(ctx context.Context, cert *Certificate, key privateKey) error {
	raw, err := key.marshal()
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}
	sealed, err := m.sealer.seal(cert.ID, raw)
	if err != nil {
		return err
	}
	if err := m.store.PutKey(ctx, cert.ID, sealed); err != nil {
		return err
	}
	return m.store.PutCertificate(ctx, cert)
}

func signCertificate(cert *Certificate, issuerKey privateKey) error {
	tbs, err := cert.TBS()
	if err != nil {
		return err
	}
	sig, err := issuerKey.sign(tbs)
	if err != nil {
		return fmt.Errorf("sign certificate: %w", err)
	}
	cert.Signature = sig
	return nil
}

// Rotate issues a new leaf signing certificate and publishes it.
func (m *Manager) Rotate(ctx context.Context) (*Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rotateLocked(ctx, "manual")
}

func (m *Manager) rotateLocked(ctx context.Context, reason string) (*Certificate, error) {
	key, err := generateKey(m.opts.Algorithm)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSigning, err, "generate signing key")
	}
	pub, err := key.publicKey()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSigning, err, "encode public key")
	}
	now := m.opts.Now().UTC().Truncate(time.Second)
	notAfter := now.Add(m.opts.RotationInterval + m.opts.Overlap)
	if notAfter.After(m.root.cert.NotAfter) {
		notAfter = m.root.cert.NotAfter
	}
	if !notAfter.After(now) {
		// 根证书已过期，签出的叶子证书也不可能有效。
		return nil, xerrors.New(xerrors.CodeCertificate, "root certificate has expired",
			xerrors.WithMetadata("certificate_id", m.root.cert.ID),
			xerrors.WithMetadata("not_after", m.root.cert.NotAfter.Format(time.RFC3339)))
	}
	id := uuid.NewString()
	cert := &Certificate{
		ID:                 id,
		Subject:            m.opts.Subject,
		Issuer:             m.root.cert.Subject,
		IssuerID:           m.root.cert.ID,
		NotBefore:          now,
		NotAfter:           notAfter,
		KeyUsage:           KeyUsage{DigitalSignature: true},
		KeyAlgorithm:       key.algorithm(),
		PublicKey:          pub,
		StatusURL:          m.statusURL(id),
		SignatureAlgorithm: m.root.key.algorithm(),
	}
	if err := signCertificate(cert, m.root.key); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSigning, err, "issue signing certificate")
	}
	// 先落盘再发布，读者不会看到未持久化的证书。
	if err := m.persist(ctx, cert, key); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSigning, err, "persist signing certificate")
	}
	if err := m.store.PutState(ctx, State{RootID: m.root.cert.ID, ActiveID: id}); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSigning, err, "persist certificate state")
	}

	m.certsMu.Lock()
	m.certs[id] = cert
	m.certsMu.Unlock()

	var previous string
	if old := m.active.Load(); old != nil {
		previous = old.cert.ID
	}
	m.active.Store(&SigningKey{cert: cert, key: key})

	logger.Audit().Info("signing certificate rotated",
		"certificate_id", id,
		"previous_id", previous,
		"reason", reason,
		"not_after", cert.NotAfter,
	)
	return cert.Clone(), nil
}

func (m *Manager) statusURL(id string) string {
	base := strings.TrimRight(m.opts.StatusBaseURL, "/")
	if base == "" {
		return ""
	}
	return base + "/" + id + "/status"
}

func (m *Manager) needsRotation(now time.Time) bool {
	active := m.active.Load()
	if active == nil {
		return true
	}
	cert := active.cert
	if !cert.ValidAt(now) || now.Sub(cert.NotBefore) >= m.opts.RotationInterval {
		return true
	}
	_, revoked := m.crl.Load().Lookup(cert.ID)
	return revoked
}

// SigningKey returns the active signing key. It fails closed: without a
// currently valid, unrevoked certificate no key is handed out.
func (m *Manager) SigningKey() (*SigningKey, error) {
	active := m.active.Load()
	if active == nil {
		return nil, xerrors.New(xerrors.CodeSigning, "no active signing key")
	}
	now := m.opts.Now()
	if !active.cert.ValidAt(now) {
		return nil, xerrors.New(xerrors.CodeSigning, "active signing certificate is outside its validity window",
			xerrors.WithMetadata("certificate_id", active.cert.ID))
	}
	if _, revoked := m.crl.Load().Lookup(active.cert.ID); revoked {
		return nil, xerrors.New(xerrors.CodeSigning, "active signing certificate is revoked",
			xerrors.WithMetadata("certificate_id", active.cert.ID))
	}
	return active, nil
}

// CurrentCertificate returns the active leaf certificate, or nil.
func (m *Manager) CurrentCertificate() *Certificate {
	active := m.active.Load()
	if active == nil {
		return nil
	}
	return active.cert.Clone()
}

// Root returns the root certificate.
func (m *Manager) Root() *Certificate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.root.cert.Clone()
}

// Certificate looks up any certificate the manager has issued.
func (m *Manager) Certificate(id string) (*Certificate, bool) {
	m.certsMu.RLock()
	defer m.certsMu.RUnlock()
	cert, ok := m.certs[id]
	if !ok {
		return nil, false
	}
	return cert.Clone(), true
}

// Chain returns the certificate chain for id, leaf first, root last.
func (m *Manager) Chain(_ context.Context, id string) ([]*Certificate, error) {
	var chain []*Certificate
	next := id
	for depth := 0; depth < maxChainDepth; depth++ {
		cert, ok := m.Certificate(next)
		if !ok {
			return nil, xerrors.New(xerrors.CodeNotFound, "certificate not found",
				xerrors.WithMetadata("certificate_id", next))
		}
		chain = append(chain, cert)
		if cert.SelfSigned() {
			return chain, nil
		}
		next = cert.IssuerID
	}
	return nil, xerrors.New(xerrors.CodeCertificate, "certificate chain too long",
		xerrors.WithMetadata("certificate_id", id))
}

// RevocationList returns a copy of the current signed revocation list.
func (m *Manager) RevocationList() *RevocationList {
	return m.crl.Load().clone()
}

// Status answers an online revocation query with a root-signed response.
func (m *Manager) Status(id string) (StatusResponse, error) {
	resp := StatusResponse{
		CertificateID: id,
		Status:        StatusUnknown,
		ProducedAt:    m.opts.Now().UTC().Truncate(time.Second),
	}
	if _, ok := m.Certificate(id); ok {
		resp.Status = StatusGood
		if entry, revoked := m.crl.Load().Lookup(id); revoked {
			at := entry.RevokedAt
			resp.Status = StatusRevoked
			resp.RevokedAt = &at
			resp.Reason = entry.Reason
		}
	}

	resp.IssuerID = m.root.cert.ID
	resp.SignatureAlgorithm = m.root.key.algorithm()
	tbs, err := resp.TBS()
	if err != nil {
		return StatusResponse{}, xerrors.Wrap(xerrors.CodeCertificate, err, "encode status response")
	}
	if resp.Signature, err = m.root.key.sign(tbs); err != nil {
		return StatusResponse{}, xerrors.Wrap(xerrors.CodeCertificate, err, "sign status response")
	}
	return resp, nil
}

// Revoke adds id to the revocation list. Revoking the active leaf first
// rotates to a fresh leaf and only then publishes the list, so SigningKey
// never observes a moment without a usable certificate. If that rotation
// fails the revocation is still published and the rotation error returned.
func (m *Manager) Revoke(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.Certificate(id); !ok {
		return xerrors.New(xerrors.CodeNotFound, "certificate not found", xerrors.WithMetadata("certificate_id", id))
	}
	if id == m.root.cert.ID {
		return xerrors.New(xerrors.CodeInvalidArgument, "root certificate cannot be revoked")
	}
	current := m.crl.Load()
	if _, already := current.Lookup(id); already {
		return nil
	}

	var rotateErr error
	if active := m.active.Load(); active != nil && active.cert.ID == id {
		_, rotateErr = m.rotateLocked(ctx, "revoked")
	}

	entries := append(append([]RevokedEntry(nil), current.Entries...), RevokedEntry{
		CertificateID: id,
		RevokedAt:     m.opts.Now().UTC().Truncate(time.Second),
		Reason:        reason,
	})
	list, err := m.issueRevocationList(entries, current.Number+1)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeSigning, err, "sign revocation list")
	}
	if err := m.store.PutRevocations(ctx, list); err != nil {
		return xerrors.Wrap(xerrors.CodeSigning, err, "persist revocation list")
	}
	m.crl.Store(list)
	logger.Audit().Warn("certificate revoked", "certificate_id", id, "reason", reason, "crl_number", list.Number)
	return rotateErr
}

func (m *Manager) issueRevocationList(entries []RevokedEntry, number uint64) (*RevocationList, error) {
	now := m.opts.Now().UTC().Truncate(time.Second)
	if entries == nil {
		entries = []RevokedEntry{}
	}
	list := &RevocationList{
		IssuerID:           m.root.cert.ID,
		Number:             number,
		ThisUpdate:         now,
		NextUpdate:         now.Add(m.opts.RevocationListTTL),
		Entries:            entries,
		SignatureAlgorithm: m.root.key.algorithm(),
	}
	tbs, err := list.TBS()
	if err != nil {
		return nil, err
	}
	if list.Signature, err = m.root.key.sign(tbs); err != nil {
		return nil, err
	}
	return list, nil
}

// Maintain rotates the leaf when it is due or revoked and re-issues the
// revocation list before it goes stale.
func (m *Manager) Maintain(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.Now()
	m.checkRootExpiry(now)
	if m.needsRotation(now) {
		if _, err := m.rotateLocked(ctx, "scheduled"); err != nil {
			return err
		}
	}
	current := m.crl.Load()
	if current.NextUpdate.Sub(now) < m.opts.RevocationListTTL/2 {
		list, err := m.issueRevocationList(current.Entries, current.Number+1)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeSigning, err, "refresh revocation list")
		}
		if err := m.store.PutRevocations(ctx, list); err != nil {
			return xerrors.Wrap(xerrors.CodeSigning, err, "persist revocation list")
		}
		m.crl.Store(list)
	}
	return nil
}

// RootExpiring reports whether the root can no longer back a full leaf
// lifetime at now. Roots are not renewed automatically.
func (m *Manager) RootExpiring(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rootExpiringLocked(now)
}

func (m *Manager) rootExpiringLocked(now time.Time) bool {
	return m.root.cert.NotAfter.Sub(now) < m.opts.RotationInterval+m.opts.Overlap
}

// checkRootExpiry 在根证书临近过期时告警一次。
func (m *Manager) checkRootExpiry(now time.Time) {
	if m.rootWarned || !m.rootExpiringLocked(now) {
		return
	}
	m.rootWarned = true
	m.log.Error("根证书即将过期，请尽快续期并分发新的信任根",
		"certificate_id", m.root.cert.ID,
		"not_after", m.root.cert.NotAfter,
	)
	logger.Audit().Warn("root certificate expiring",
		"certificate_id", m.root.cert.ID,
		"not_after", m.root.cert.NotAfter,
	)
}

// Run calls Maintain every interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 5 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Maintain(ctx); err != nil {
				m.log.Error("证书维护失败", "error", err)
			}
		}
	}
}
