package envelope

import (
	"bytes"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

var b64 = base64.RawURLEncoding.Strict()

// Canonical returns the canonical JSON bytes of v: object keys sorted, no
// insignificant whitespace, no HTML escaping, numbers kept as written.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return CanonicalizeJSON(raw)
}

// CanonicalizeJSON rewrites arbitrary JSON bytes into canonical form.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode: trailing data")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func computeMAC(key, msg []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write(msg)
	return b64.EncodeToString(m.Sum(nil))
}

func macEqual(key, msg []byte, mac string) bool {
	got, err := b64.DecodeString(mac)
	if err != nil {
		return false
	}
	m := hmac.New(sha256.New, key)
	_, _ = m.Write(msg)
	return hmac.Equal(m.Sum(nil), got)
}

// EncodePubKey encodes a signing public key for the pubKey field.
func EncodePubKey(pub ed25519.PublicKey) string { return b64.EncodeToString(pub) }

// DecodePubKey parses a pubKey field.
func DecodePubKey(s string) (ed25519.PublicKey, bool) {
	b, err := b64.DecodeString(s)
	if err != nil || len(b) != ed25519.PublicKeySize {
		return nil, false
	}
	return ed25519.PublicKey(b), true
}

func sign(priv ed25519.PrivateKey, msg []byte) string {
	return b64.EncodeToString(ed25519.Sign(priv, msg))
}

func verifySig(pub ed25519.PublicKey, msg []byte, sig string) bool {
	raw, err := b64.DecodeString(sig)
	if err != nil || len(raw) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, raw)
}
