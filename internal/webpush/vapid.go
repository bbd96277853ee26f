package webpush

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/url"
	"time"
)

// RFC 8292 VAPID: a short-lived ES256 JWT scoped to the push service origin,
// carried as `Authorization: vapid t=<jwt>, k=<public key>`.

const vapidTokenTTL = 12 * time.Hour

func vapidAuthorization(endpoint *url.URL, contact string, creds Credentials) (string, error) {
	priv, err := parseVAPIDPrivateKey(creds.PrivateKey)
	if err != nil {
		return "", err
	}

	claims := map[string]any{
		"aud": endpoint.Scheme + "://" + endpoint.Host,
		"exp": time.Now().Add(vapidTokenTTL).Unix(),
		"sub": contact,
	}

	token, err := signES256(priv, claims)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("vapid t=%s, k=%s", token, creds.PublicKey), nil
}

func parseVAPIDPrivateKey(raw string) (*ecdsa.PrivateKey, error) {
	b, err := b64Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("vapid private key: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("vapid private key: want 32 bytes, got %d", len(b))
	}

	d := new(big.Int).SetBytes(b)
	curve := elliptic.P256()
	if d.Sign() <= 0 || d.Cmp(curve.Params().N) >= 0 {
		return nil, fmt.Errorf("vapid private key: scalar out of range")
	}

	priv := &ecdsa.PrivateKey{D: d}
	priv.Curve = curve
	priv.X, priv.Y = curve.ScalarBaseMult(b)
	return priv, nil
}

func signES256(priv *ecdsa.PrivateKey, claims map[string]any) (string, error) {
	header := b64JSON(map[string]any{"typ": "JWT", "alg": "ES256"})
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	signingInput := header + "." + base64.RawURLEncoding.EncodeToString(payload)

	digest := sha256.Sum256([]byte(signingInput))
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		return "", err
	}

	// JWS wants the raw fixed-width r||s form, not ASN.1.
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func b64JSON(v any) string {
	b, _ := json.Marshal(v)
	return base64.RawURLEncoding.EncodeToString(b)
}

// GenerateKeys mints a fresh VAPID key pair in the wire format subscribers
// and push services expect (base64url; uncompressed point / 32-byte scalar).
func GenerateKeys() (Credentials, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{
		PublicKey:  base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes()),
		PrivateKey: base64.RawURLEncoding.EncodeToString(priv.Bytes()),
	}, nil
}
