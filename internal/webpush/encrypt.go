package webpush

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// RFC 8291 message encryption: ECDH over P-256 against the subscription's
// public key, two HKDF stages, then a single aes128gcm record.

const recordSize = 4096

func encryptPayload(sub Subscription, plaintext []byte) ([]byte, error) {
	uaPublicRaw, err := b64Decode(sub.P256dh)
	if err != nil {
		return nil, fmt.Errorf("p256dh key: %w", err)
	}
	authSecret, err := b64Decode(sub.Auth)
	if err != nil {
		return nil, fmt.Errorf("auth secret: %w", err)
	}

	curve := ecdh.P256()
	uaPublic, err := curve.NewPublicKey(uaPublicRaw)
	if err != nil {
		return nil, fmt.Errorf("p256dh key: %w", err)
	}

	asPrivate, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	asPublicRaw := asPrivate.PublicKey().Bytes()

	sharedSecret, err := asPrivate.ECDH(uaPublic)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}

	// IKM = HKDF(salt=auth, ikm=ecdh, info="WebPush: info" || 0x00 || ua_pub || as_pub)
	keyInfo := make([]byte, 0, 14+len(uaPublicRaw)+len(asPublicRaw))
	keyInfo = append(keyInfo, []byte("WebPush: info")...)
	keyInfo = append(keyInfo, 0x00)
	keyInfo = append(keyInfo, uaPublicRaw...)
	keyInfo = append(keyInfo, asPublicRaw...)
	ikm, err := hkdfExpand(sharedSecret, authSecret, keyInfo, 32)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}

	cek, err := hkdfExpand(ikm, salt, []byte("Content-Encoding: aes128gcm\x00"), 16)
	if err != nil {
		return nil, err
	}
	nonce, err := hkdfExpand(ikm, salt, []byte("Content-Encoding: nonce\x00"), 12)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	// Single record: plaintext, 0x02 delimiter (last record), GCM tag.
	record := make([]byte, 0, len(plaintext)+1)
	record = append(record, plaintext...)
	record = append(record, 0x02)
	if len(record)+gcm.Overhead() > recordSize {
		return nil, fmt.Errorf("payload too large: %d bytes", len(plaintext))
	}
	sealed := gcm.Seal(nil, nonce, record, nil)

	// aes128gcm header: salt(16) | rs(4) | idlen(1) | keyid(as_public).
	header := make([]byte, 0, 21+len(asPublicRaw)+len(sealed))
	header = append(header, salt...)
	header = binary.BigEndian.AppendUint32(header, recordSize)
	header = append(header, byte(len(asPublicRaw)))
	header = append(header, asPublicRaw...)
	return append(header, sealed...), nil
}

func hkdfExpand(secret, salt, info []byte, length int) ([]byte, error) {
	out := make([]byte, length)
	r := hkdf.New(sha256.New, secret, salt, info)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// b64Decode accepts both padded and unpadded base64url (browsers differ).
func b64Decode(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}
