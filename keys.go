package maskirovka

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Key material handling. The encryption layer proper is out of scope: the
// engine receives opaque per-session key material and derives from it, via
// HKDF-SHA256, the independent sub-keys the obfuscation transforms need.
// Sub-keys are copied per session, never shared across sessions.

const (
	keyMaterialLen = 32
	saltLen        = 32
	maskKeyLen     = 32
	ctrKeyLen      = 16

	authNonceLen = 8
	authTagLen   = clientRandomLen - authNonceLen
)

var (
	hkdfLabelSalt = []byte("maskirovka salt v1")
	hkdfLabelMask = []byte("maskirovka xor-mask v1")
	hkdfLabelCtr  = []byte("maskirovka counter-mask v1")
	hkdfLabelAuth = []byte("maskirovka hello-auth v1")
)

// GenerateKeyPair produces an X25519 keypair for operators without an
// external key-exchange layer. Returns (privateKey, publicKey, error).
func GenerateKeyPair() ([]byte, []byte, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, priv); err != nil {
		return nil, nil, fmt.Errorf("generating private key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("computing public key: %w", err)
	}
	return priv, pub, nil
}

// SharedSecret computes the X25519 shared secret between a private key and
// a peer public key. Both sides obtain the same 32 bytes, suitable as
// session key material for CreateSession.
func SharedSecret(privateKey, peerPublicKey []byte) ([]byte, error) {
	secret, err := curve25519.X25519(privateKey, peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("computing shared secret: %w", err)
	}
	return secret, nil
}

// sessionMaterial holds the per-session sub-keys derived from the opaque
// key material supplied by the encryption layer.
type sessionMaterial struct {
	salt    []byte // SaltedHash tag input
	maskKey []byte // XorMask repeating key
	ctrKey  []byte // masks frame length and counter fields
}

// deriveSessionMaterial expands key material into the session sub-keys.
func deriveSessionMaterial(keyMaterial []byte) (*sessionMaterial, error) {
	if len(keyMaterial) < keyMaterialLen {
		return nil, fmt.Errorf("%w: key material must be at least %d bytes, got %d",
			ErrInvalidMethodState, keyMaterialLen, len(keyMaterial))
	}
	m := &sessionMaterial{
		salt:    make([]byte, saltLen),
		maskKey: make([]byte, maskKeyLen),
		ctrKey:  make([]byte, ctrKeyLen),
	}
	for _, kv := range []struct {
		label []byte
		out   []byte
	}{
		{hkdfLabelSalt, m.salt},
		{hkdfLabelMask, m.maskKey},
		{hkdfLabelCtr, m.ctrKey},
	} {
		r := hkdf.New(sha256.New, keyMaterial, nil, kv.label)
		if _, err := io.ReadFull(r, kv.out); err != nil {
			return nil, fmt.Errorf("HKDF expand: %w", err)
		}
	}
	return m, nil
}

// deriveAuthKey derives the HMAC key used to authenticate synthesized
// ClientHello frames from the pre-shared key material.
func deriveAuthKey(keyMaterial []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, keyMaterial, nil, hkdfLabelAuth)
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("HKDF expand: %w", err)
	}
	return key, nil
}

// BuildAuthRandom constructs the 32-byte ClientHello random field with an
// embedded authentication tag. Layout:
//
//	[0:8]   random nonce
//	[8:32]  HMAC-SHA256(authKey, nonce) truncated to 24 bytes
//
// Passing the result as the entropy argument of Synthesize produces a hello
// a maskirovka listener can authenticate, while to a DPI observer the field
// remains indistinguishable from random.
func BuildAuthRandom(keyMaterial []byte) ([clientRandomLen]byte, error) {
	var out [clientRandomLen]byte

	authKey, err := deriveAuthKey(keyMaterial)
	if err != nil {
		return out, err
	}
	if _, err := io.ReadFull(rand.Reader, out[:authNonceLen]); err != nil {
		return out, fmt.Errorf("generating nonce: %w", err)
	}

	mac := hmac.New(sha256.New, authKey)
	mac.Write(out[:authNonceLen])
	copy(out[authNonceLen:], mac.Sum(nil)[:authTagLen])
	return out, nil
}

// VerifyAuthRandom checks whether a ClientHello random field carries a valid
// tag for the given key material. Constant-time on the tag comparison.
func VerifyAuthRandom(keyMaterial, random []byte) (bool, error) {
	if len(random) != clientRandomLen {
		return false, nil
	}
	authKey, err := deriveAuthKey(keyMaterial)
	if err != nil {
		return false, err
	}
	mac := hmac.New(sha256.New, authKey)
	mac.Write(random[:authNonceLen])
	expected := mac.Sum(nil)[:authTagLen]
	return hmac.Equal(random[authNonceLen:], expected), nil
}
