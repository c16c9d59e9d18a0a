package adb

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"math/big"
	"testing"
)

func testHostKey(t *testing.T) *HostKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		t.Fatalf("generate test key: %v", err)
	}
	return &HostKey{
		n: priv.N,
		d: priv.D,
		e: big.NewInt(int64(priv.PublicKey.E)),
	}
}

// TestN0InvIdentity checks invariant 6 of spec.md §8: n[0]*n0inv == -1 (mod 2^32).
func TestN0InvIdentity(t *testing.T) {
	k := testHostKey(t)
	inv := n0inv32(k.n)

	mod := new(big.Int).Lsh(big.NewInt(1), 32)
	n0 := new(big.Int).Mod(k.n, mod)
	product := new(big.Int).Mul(n0, big.NewInt(int64(inv)))
	product.Mod(product, mod)

	want := new(big.Int).Sub(mod, big.NewInt(1))
	if product.Cmp(want) != 0 {
		t.Errorf("n0*n0inv mod 2^32 = %v, want %v", product, want)
	}
}

func TestAndroidPublicKeyBlobShape(t *testing.T) {
	k := testHostKey(t)
	blob := k.AndroidPublicKeyBlob()

	suffix := " adb@webusb\x00"
	if len(blob) <= len(suffix) {
		t.Fatalf("blob too short: %d bytes", len(blob))
	}
	if string(blob[len(blob)-len(suffix):]) != suffix {
		t.Errorf("blob missing adb@webusb suffix, got %q", blob[len(blob)-len(suffix):])
	}

	encoded := blob[:len(blob)-len(suffix)]
	raw, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		t.Fatalf("decode base64 body: %v", err)
	}
	if len(raw) != androidBlobSize {
		t.Fatalf("decoded blob length = %d, want %d", len(raw), androidBlobSize)
	}

	words := binary.LittleEndian.Uint32(raw[0:4])
	if words != rsaKeyWords {
		t.Errorf("len field = %d, want %d", words, rsaKeyWords)
	}

	gotN := new(big.Int).SetBytes(reverse(raw[8 : 8+rsaKeyBytes]))
	if gotN.Cmp(k.n) != 0 {
		t.Errorf("blob modulus does not match host key modulus")
	}

	e := binary.LittleEndian.Uint32(raw[8+2*rsaKeyBytes:])
	if int64(e) != k.e.Int64() {
		t.Errorf("blob exponent = %d, want %d", e, k.e.Int64())
	}

	// Calling it again must return the identical cached blob.
	if second := k.AndroidPublicKeyBlob(); string(second) != string(blob) {
		t.Error("AndroidPublicKeyBlob is not stable across calls")
	}
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// TestSignVerifiesAgainstPublicKey confirms that Sign produces a signature
// recoverable by textbook sig^e mod n == EMSA-PKCS1-v1.5(SHA1(token)),
// the round-trip law spec.md §8 asks for (modPow is exercised from both
// directions: once inside Sign via the private exponent, once here via
// the public exponent).
func TestSignVerifiesAgainstPublicKey(t *testing.T) {
	k := testHostKey(t)
	token := []byte("0123456789abcdef0123456789abcdef01234567") // arbitrary challenge

	sig, err := k.Sign(token)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if len(sig) != rsaKeyBytes {
		t.Fatalf("signature length = %d, want %d", len(sig), rsaKeyBytes)
	}

	s := new(big.Int).SetBytes(sig)
	recovered := modPow(s, k.e, k.n)
	recoveredBytes := leToBE(recovered, rsaKeyBytes)

	digest := sha1.Sum(token)
	want, err := emsaPKCS1v15(digest[:], rsaKeyBytes)
	if err != nil {
		t.Fatalf("emsaPKCS1v15: %v", err)
	}

	if string(recoveredBytes) != string(want) {
		t.Error("signature does not verify against the public exponent")
	}
}

func TestSignHashesTokensThatArentAlreadyADigest(t *testing.T) {
	k := testHostKey(t)
	short, err := k.Sign([]byte("not twenty bytes"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	exact, err := k.Sign(func() []byte { d := sha1.Sum([]byte("not twenty bytes")); return d[:] }())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if string(short) != string(exact) {
		t.Error("Sign(plaintext) should hash first and match Sign(digest)")
	}
}

func TestModPowMatchesBigIntExp(t *testing.T) {
	base := big.NewInt(123456789)
	exp := big.NewInt(987654321)
	m := big.NewInt(1000000007)

	got := modPow(base, exp, m)
	want := new(big.Int).Exp(base, exp, m)
	if got.Cmp(want) != 0 {
		t.Errorf("modPow = %v, want %v", got, want)
	}
}

func TestLeBytesRoundTrip(t *testing.T) {
	v := big.NewInt(0x0102030405)
	le := leBytes(v, 8)
	back := new(big.Int).SetBytes(reverse(le))
	if back.Cmp(v) != 0 {
		t.Errorf("leBytes round-trip: got %v, want %v", back, v)
	}
}
