package vault

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"proxy-bid-engine/internal/models"
	"proxy-bid-engine/internal/platform"
	"proxy-bid-engine/internal/store"
)

// Vault errors.
var (
	ErrNoCredential       = errors.New("no credential on file")
	ErrCredentialRevoked  = errors.New("credential revoked")
	ErrInvalidKey         = errors.New("vault key must be 32 bytes hex-encoded")
	ErrCiphertextTooShort = errors.New("ciphertext too short")
)

// Vault seals and opens per-user per-platform credentials. Plaintext exists
// only inside a Checkout; everything at rest is XChaCha20-Poly1305 sealed.
// Status changes go through the store's compare-and-set like every other
// record.
type Vault struct {
	store store.Store
	key   []byte
}

// New builds a vault from the hex-encoded 32-byte key.
func New(st store.Store, hexKey string) (*Vault, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil || len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	return &Vault{store: st, key: key}, nil
}

// Checkout returns the credential record and its decrypted material for
// (user, platform). Revoked credentials never leave the vault.
func (v *Vault) Checkout(ctx context.Context, userID, platformID string) (models.CredentialRecord, platform.Credentials, error) {
	rec, err := v.store.GetCredential(ctx, userID, platformID)
	if errors.Is(err, store.ErrNotFound) {
		return models.CredentialRecord{}, platform.Credentials{}, ErrNoCredential
	}
	if err != nil {
		return models.CredentialRecord{}, platform.Credentials{}, fmt.Errorf("load credential: %w", err)
	}
	if rec.Status == models.CredentialRevoked {
		return models.CredentialRecord{}, platform.Credentials{}, ErrCredentialRevoked
	}

	creds, err := v.open(rec.Ciphertext)
	if err != nil {
		return models.CredentialRecord{}, platform.Credentials{}, fmt.Errorf("open credential %s: %w", rec.ID, err)
	}
	// Drop a session that outlived its validity window.
	if creds.Session != nil && !creds.Session.Valid(time.Now()) {
		creds.Session = nil
	}
	return rec, creds, nil
}

// Store seals credentials for (user, platform), replacing any prior record.
func (v *Vault) Store(ctx context.Context, userID, platformID string, creds platform.Credentials, validUntil time.Time) (models.CredentialRecord, error) {
	ciphertext, err := v.seal(creds)
	if err != nil {
		return models.CredentialRecord{}, err
	}
	return v.store.PutCredential(ctx, models.CredentialRecord{
		UserID:     userID,
		Platform:   platformID,
		Ciphertext: ciphertext,
		Status:     models.CredentialValid,
		ValidUntil: validUntil,
	})
}

// SaveSession re-seals the credential with a fresh session after a successful
// login, marking the record valid.
func (v *Vault) SaveSession(ctx context.Context, rec models.CredentialRecord, creds platform.Credentials, sess *platform.Session) error {
	creds.Session = sess
	ciphertext, err := v.seal(creds)
	if err != nil {
		return err
	}
	validUntil := sess.ExpiresAt
	return v.store.UpdateCredentialCiphertext(ctx, rec.ID, ciphertext, validUntil, models.CredentialValid)
}

// MarkNeedsTwoFactor flags the record pending human verification.
func (v *Vault) MarkNeedsTwoFactor(ctx context.Context, credentialID string) error {
	_, err := v.store.TransitionCredential(ctx, credentialID,
		[]string{models.CredentialValid, models.CredentialExpired, models.CredentialNeeds2FA}, models.CredentialNeeds2FA)
	if errors.Is(err, store.ErrStaleState) {
		return nil
	}
	return err
}

// Invalidate marks the session material expired so the next attempt logs in
// from scratch.
func (v *Vault) Invalidate(ctx context.Context, credentialID string) error {
	_, err := v.store.TransitionCredential(ctx, credentialID,
		[]string{models.CredentialValid, models.CredentialNeeds2FA}, models.CredentialExpired)
	if errors.Is(err, store.ErrStaleState) {
		return nil
	}
	return err
}

func (v *Vault) seal(creds platform.Credentials) ([]byte, error) {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("marshal credentials: %w", err)
	}
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (v *Vault) open(ciphertext []byte) (platform.Credentials, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return platform.Credentials{}, fmt.Errorf("init aead: %w", err)
	}
	if len(ciphertext) < aead.NonceSize() {
		return platform.Credentials{}, ErrCiphertextTooShort
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return platform.Credentials{}, fmt.Errorf("decrypt credentials: %w", err)
	}
	var creds platform.Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return platform.Credentials{}, fmt.Errorf("unmarshal credentials: %w", err)
	}
	return creds, nil
}
