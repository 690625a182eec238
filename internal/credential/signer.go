package credential

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/curaflow/consent-core/pkg/config"
	"github.com/curaflow/consent-core/pkg/types"
)

// KeySet holds the Ed25519 key material for credential signing. Only the
// newest key signs; every key in verifyKeys still verifies, so
// credentials issued under a rotated-out key remain valid until their
// own expiry.
type KeySet struct {
	signingVersion string
	signingKey     ed25519.PrivateKey
	verifyKeys     map[string]ed25519.PublicKey
}

// NewKeySet builds a key set from an Ed25519 seed
func NewKeySet(version string, seed []byte) (*KeySet, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed length: %d", len(seed))
	}

	priv := ed25519.NewKeyFromSeed(seed)
	return &KeySet{
		signingVersion: version,
		signingKey:     priv,
		verifyKeys: map[string]ed25519.PublicKey{
			version: priv.Public().(ed25519.PublicKey),
		},
	}, nil
}

// NewKeySetFromConfig builds a key set from hex-encoded config material
func NewKeySetFromConfig(cfg *config.CredentialConfig) (*KeySet, error) {
	seed, err := hex.DecodeString(cfg.SigningKeySeed)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signing key seed: %w", err)
	}

	ks, err := NewKeySet(cfg.SigningKeyVersion, seed)
	if err != nil {
		return nil, err
	}

	for version, pubHex := range cfg.VerifyKeys {
		pub, err := hex.DecodeString(pubHex)
		if err != nil {
			return nil, fmt.Errorf("failed to decode verify key %q: %w", version, err)
		}
		if len(pub) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid verify key length for %q: %d", version, len(pub))
		}
		ks.verifyKeys[version] = ed25519.PublicKey(pub)
	}

	return ks, nil
}

// GenerateKeySet creates a key set with a fresh random key
func GenerateKeySet(version string) (*KeySet, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	return &KeySet{
		signingVersion: version,
		signingKey:     priv,
		verifyKeys:     map[string]ed25519.PublicKey{version: pub},
	}, nil
}

// Rotate installs a fresh signing key under the given version. The
// previous key stays in the verify set.
func (k *KeySet) Rotate(version string) error {
	if _, exists := k.verifyKeys[version]; exists {
		return fmt.Errorf("key version %q already exists", version)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	k.signingVersion = version
	k.signingKey = priv
	k.verifyKeys[version] = pub
	return nil
}

// SigningVersion returns the version of the current signing key
func (k *KeySet) SigningVersion() string {
	return k.signingVersion
}

// credentialClaims carries the prescription payload inside the token
type credentialClaims struct {
	EncounterID       string           `json:"encounter_id"`
	PrescriptionIndex int              `json:"rx_index"`
	PatientID         string           `json:"patient_id"`
	PrescriberID      string           `json:"prescriber_id"`
	OrganizationID    string           `json:"org_id"`
	Medication        types.Medication `json:"medication"`
	jwt.RegisteredClaims
}

// Signer produces and parses signed prescription credentials. It owns
// the key material; no other component may sign.
type Signer struct {
	keys   *KeySet
	issuer string
}

// NewSigner creates a new credential signer
func NewSigner(keys *KeySet, issuer string) *Signer {
	return &Signer{
		keys:   keys,
		issuer: issuer,
	}
}

// Sign encodes the payload as a compact EdDSA-signed token. The key
// version travels in the kid header; the nonce in jti.
func (s *Signer) Sign(payload *types.CredentialPayload) (string, error) {
	claims := &credentialClaims{
		EncounterID:       payload.EncounterID,
		PrescriptionIndex: payload.PrescriptionIndex,
		PatientID:         payload.PatientID,
		PrescriberID:      payload.PrescriberID,
		OrganizationID:    payload.OrganizationID,
		Medication:        payload.Medication,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        payload.Nonce,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(payload.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(payload.ExpiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = s.keys.signingVersion

	signed, err := token.SignedString(s.keys.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign credential: %w", err)
	}

	return signed, nil
}

// Parse validates a signed credential string at the given instant and
// returns the decoded payload. Signature failures of any kind map to
// InvalidSignature; a validly signed but stale token maps to Expired.
func (s *Signer) Parse(signedCredential string, now time.Time) (*types.CredentialPayload, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)

	token, err := parser.ParseWithClaims(signedCredential, &credentialClaims{}, func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("missing key version header")
		}
		key, ok := s.keys.verifyKeys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown key version: %s", kid)
		}
		return key, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, types.NewVerificationError(types.ErrCodeCredentialExpired, "credential has expired")
		}
		return nil, types.NewVerificationError(types.ErrCodeInvalidSignature, "credential signature is invalid")
	}

	claims, ok := token.Claims.(*credentialClaims)
	if !ok || claims.ID == "" {
		return nil, types.NewVerificationError(types.ErrCodeInvalidSignature, "credential claims are malformed")
	}

	return &types.CredentialPayload{
		EncounterID:       claims.EncounterID,
		PrescriptionIndex: claims.PrescriptionIndex,
		PatientID:         claims.PatientID,
		PrescriberID:      claims.PrescriberID,
		OrganizationID:    claims.OrganizationID,
		Medication:        claims.Medication,
		IssuedAt:          claims.IssuedAt.Time,
		ExpiresAt:         claims.ExpiresAt.Time,
		Nonce:             claims.ID,
	}, nil
}
