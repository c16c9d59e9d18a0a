// internal/adb/auth.go
// RSA-2048 host key management, the Android public-key blob, and PKCS#1
// v1.5 token signing (spec.md §4.C). The device is trusted and the key
// is the host's own, so none of this needs to run in constant time.
package adb

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math/big"
)

const (
	rsaKeyBits  = 2048
	rsaKeyBytes = rsaKeyBits / 8 // 256
	rsaKeyWords = rsaKeyBytes / 4 // 64, the blob's "len" field

	// androidBlobSize is len(32-bit) + n0inv(32-bit) + n(256) + rr(256) + e(32-bit) = 524 bytes.
	androidBlobSize = 4 + 4 + rsaKeyBytes + rsaKeyBytes + 4

	// sha1DigestInfoHex is the hex form of the fixed 15-byte ASN.1 DER prefix identifying
	// SHA-1 inside a PKCS#1 v1.5 signature (spec.md §4.C). The source
	// repo this spec was distilled from carries both a 15-byte and a
	// (wrong) 17-byte form; this is the correct standard DER encoding.
	sha1DigestInfoHex = "3021300906052b0e03021a05000414"
)

// HostKey is the host's persistent RSA-2048/65537 key pair, in a form
// from which both the raw modulus/private exponent (for manual signing)
// and the Android public-key blob can be derived. The blob is computed
// once and cached.
type HostKey struct {
	n    *big.Int
	d    *big.Int
	e    *big.Int
	blob []byte
}

// LoadOrCreateHostKey loads the host key from store, or generates and
// persists a fresh RSA-2048/65537 key pair if none is stored yet.
func LoadOrCreateHostKey(store KeyStore) (*HostKey, error) {
	priv, pub, ok, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("adb: load host key: %w", err)
	}
	if ok {
		return hostKeyFromJWK(priv, pub)
	}

	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("adb: generate host key: %w", err)
	}

	privJWK, pubJWK := jwkFromRSAKey(key)
	if err := store.Store(privJWK, pubJWK); err != nil {
		return nil, fmt.Errorf("adb: store host key: %w", err)
	}
	return hostKeyFromJWK(privJWK, pubJWK)
}

func b64url(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func jwkFromRSAKey(key *rsa.PrivateKey) (priv, pub *KeyJWK) {
	e := big.NewInt(int64(key.PublicKey.E))
	pub = &KeyJWK{Kty: "RSA", N: b64url(key.N.Bytes()), E: b64url(e.Bytes())}
	priv = &KeyJWK{Kty: "RSA", N: pub.N, E: pub.E, D: b64url(key.D.Bytes())}
	return priv, pub
}

func hostKeyFromJWK(priv, pub *KeyJWK) (*HostKey, error) {
	n, err := decodeB64BigInt(pub.N)
	if err != nil {
		return nil, fmt.Errorf("adb: decode key modulus: %w", err)
	}
	e, err := decodeB64BigInt(pub.E)
	if err != nil {
		return nil, fmt.Errorf("adb: decode key exponent: %w", err)
	}
	d, err := decodeB64BigInt(priv.D)
	if err != nil {
		return nil, fmt.Errorf("adb: decode key private exponent: %w", err)
	}
	return &HostKey{n: n, d: d, e: e}, nil
}

func decodeB64BigInt(s string) (*big.Int, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}

// AndroidPublicKeyBlob returns the base64-encoded Android RSAPublicKey
// blob, suffixed with " adb@webusb\0", ready to send as an AUTH payload.
func (k *HostKey) AndroidPublicKeyBlob() []byte {
	if k.blob != nil {
		return k.blob
	}

	raw := make([]byte, androidBlobSize)
	binary.LittleEndian.PutUint32(raw[0:4], uint32(rsaKeyWords))
	binary.LittleEndian.PutUint32(raw[4:8], n0inv32(k.n))

	nBytes := leBytes(k.n, rsaKeyBytes)
	copy(raw[8:8+rsaKeyBytes], nBytes)

	r := new(big.Int).Lsh(big.NewInt(1), rsaKeyBits)
	rr := new(big.Int).Mod(new(big.Int).Mul(r, r), k.n)
	rrBytes := leBytes(rr, rsaKeyBytes)
	copy(raw[8+rsaKeyBytes:8+2*rsaKeyBytes], rrBytes)

	binary.LittleEndian.PutUint32(raw[8+2*rsaKeyBytes:], uint32(k.e.Uint64()))

	encoded := base64.StdEncoding.EncodeToString(raw)
	blob := make([]byte, 0, len(encoded)+len(" adb@webusb")+1)
	blob = append(blob, encoded...)
	blob = append(blob, " adb@webusb"...)
	blob = append(blob, 0)

	k.blob = blob
	return blob
}

// leBytes renders v as exactly size little-endian bytes, zero-padded or
// truncated as needed (v is always smaller than 2^(8*size) in practice).
func leBytes(v *big.Int, size int) []byte {
	be := v.Bytes()
	out := make([]byte, size)
	for i := 0; i < len(be) && i < size; i++ {
		out[i] = be[len(be)-1-i]
	}
	return out
}

// n0inv32 returns n0inv such that n[0]*n0inv == -1 (mod 2^32), where n[0]
// is the low 32 bits of the modulus (spec.md §4.C, invariant 6 of §8).
func n0inv32(n *big.Int) uint32 {
	mod := new(big.Int).Lsh(big.NewInt(1), 32)
	n0 := new(big.Int).Mod(n, mod)

	inv := new(big.Int).ModInverse(n0, mod)
	neg := new(big.Int).Sub(mod, inv)
	neg.Mod(neg, mod)
	return uint32(neg.Uint64())
}

// Sign produces a PKCS#1 v1.5 SHA-1 signature of token using the host's
// private key. A token that is not already 20 bytes (the SHA-1 digest
// size) is hashed first.
func (k *HostKey) Sign(token []byte) ([]byte, error) {
	digest := token
	if len(token) != sha1.Size {
		sum := sha1.Sum(token)
		digest = sum[:]
	}

	em, err := emsaPKCS1v15(digest, rsaKeyBytes)
	if err != nil {
		return nil, err
	}

	m := new(big.Int).SetBytes(em)
	if m.Cmp(k.n) >= 0 {
		return nil, fmt.Errorf("adb: sign: encoded message too large for modulus")
	}
	sig := modPow(m, k.d, k.n)
	return leToBE(sig, rsaKeyBytes), nil
}

// leToBE renders v as size big-endian bytes (the wire form of a
// signature), zero-padded on the left.
func leToBE(v *big.Int, size int) []byte {
	be := v.Bytes()
	out := make([]byte, size)
	copy(out[size-len(be):], be)
	return out
}

// emsaPKCS1v15 builds 0x00 0x01 0xFF...0xFF 0x00 DigestInfo(SHA-1) digest,
// padded to exactly size bytes.
func emsaPKCS1v15(digest []byte, size int) ([]byte, error) {
	prefix := mustHex(sha1DigestInfoHex)
	tLen := len(prefix) + len(digest)
	if size < tLen+11 {
		return nil, fmt.Errorf("adb: emsaPKCS1v15: modulus too small for SHA-1 signature")
	}

	em := make([]byte, size)
	em[0] = 0x00
	em[1] = 0x01
	padLen := size - tLen - 3
	for i := 0; i < padLen; i++ {
		em[2+i] = 0xFF
	}
	em[2+padLen] = 0x00
	copy(em[3+padLen:], prefix)
	copy(em[3+padLen+len(prefix):], digest)
	return em, nil
}

func mustHex(s string) []byte {
	b := make([]byte, len(s)/2)
	for i := range b {
		hi := hexNibble(s[2*i])
		lo := hexNibble(s[2*i+1])
		b[i] = hi<<4 | lo
	}
	return b
}

func hexNibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	}
	return 0
}

// modPow computes base^exp mod m by left-to-right square-and-multiply,
// the manual modular exponentiation spec.md §4.C and §9 call for rather
// than a library's opaque constant-time implementation — the key is the
// host's own and the device is trusted, so constant time is not needed.
func modPow(base, exp, m *big.Int) *big.Int {
	result := big.NewInt(1)
	b := new(big.Int).Mod(base, m)

	for i := exp.BitLen() - 1; i >= 0; i-- {
		result.Mul(result, result)
		result.Mod(result, m)
		if exp.Bit(i) == 1 {
			result.Mul(result, b)
			result.Mod(result, m)
		}
	}
	return result
}
