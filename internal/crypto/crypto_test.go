package crypto

import (
	"bytes"
	"errors"
	"testing"

	"agentfs/internal/common"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	codec, err := NewAEAD(testKey(t))
	if err != nil {
		t.Fatalf("NewAEAD failed: %v", err)
	}

	payloads := [][]byte{
		[]byte("hello"),
		{},
		bytes.Repeat([]byte{0x00}, 16384),
		bytes.Repeat([]byte("chunk"), 1000),
	}
	for _, plaintext := range payloads {
		sealed, err := codec.Seal(plaintext)
		if err != nil {
			t.Fatalf("Seal failed: %v", err)
		}
		if bytes.Contains(sealed, plaintext) && len(plaintext) > 4 {
			t.Error("sealed blob contains plaintext")
		}
		opened, err := codec.Open(sealed)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		if !bytes.Equal(opened, plaintext) {
			t.Errorf("round trip mismatch: got %d bytes, want %d", len(opened), len(plaintext))
		}
	}
}

func TestSealProducesDistinctBlobs(t *testing.T) {
	codec, err := NewAEAD(testKey(t))
	if err != nil {
		t.Fatalf("NewAEAD failed: %v", err)
	}
	a, _ := codec.Seal([]byte("same plaintext"))
	b, _ := codec.Seal([]byte("same plaintext"))
	if bytes.Equal(a, b) {
		t.Error("two seals of the same plaintext produced identical blobs; nonce reuse?")
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	codec, err := NewAEAD(testKey(t))
	if err != nil {
		t.Fatalf("NewAEAD failed: %v", err)
	}
	sealed, err := codec.Seal([]byte("important data"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xff
	if _, err := codec.Open(tampered); !errors.Is(err, common.ErrIntegrity) {
		t.Errorf("tampered blob: got %v, want ErrIntegrity", err)
	}

	if _, err := codec.Open([]byte("short")); !errors.Is(err, common.ErrIntegrity) {
		t.Errorf("truncated blob: got %v, want ErrIntegrity", err)
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	params, err := DefaultKDFParams()
	if err != nil {
		t.Fatalf("DefaultKDFParams failed: %v", err)
	}

	k1 := DeriveKey("correct horse", params)
	k2 := DeriveKey("correct horse", params)
	if !bytes.Equal(k1, k2) {
		t.Error("same passphrase and params produced different keys")
	}
	if len(k1) != KeySize {
		t.Errorf("derived key is %d bytes, want %d", len(k1), KeySize)
	}

	k3 := DeriveKey("wrong horse", params)
	if bytes.Equal(k1, k3) {
		t.Error("different passphrases produced the same key")
	}

	other, err := DefaultKDFParams()
	if err != nil {
		t.Fatalf("DefaultKDFParams failed: %v", err)
	}
	k4 := DeriveKey("correct horse", other)
	if bytes.Equal(k1, k4) {
		t.Error("different salts produced the same key")
	}
}

func TestParamsRoundTrip(t *testing.T) {
	params, err := DefaultKDFParams()
	if err != nil {
		t.Fatalf("DefaultKDFParams failed: %v", err)
	}
	encoded, err := EncodeParams(params)
	if err != nil {
		t.Fatalf("EncodeParams failed: %v", err)
	}
	decoded, err := DecodeParams(encoded)
	if err != nil {
		t.Fatalf("DecodeParams failed: %v", err)
	}
	if !bytes.Equal(decoded.Salt, params.Salt) || decoded.Time != params.Time ||
		decoded.Memory != params.Memory || decoded.Threads != params.Threads {
		t.Errorf("params round trip mismatch: got %+v, want %+v", decoded, params)
	}

	if _, err := DecodeParams("{}"); err == nil {
		t.Error("DecodeParams accepted empty parameters")
	}
	if _, err := DecodeParams("not json"); err == nil {
		t.Error("DecodeParams accepted malformed input")
	}
}

func TestKeyCheck(t *testing.T) {
	codec, err := NewAEAD(testKey(t))
	if err != nil {
		t.Fatalf("NewAEAD failed: %v", err)
	}
	token, err := SealKeyCheck(codec)
	if err != nil {
		t.Fatalf("SealKeyCheck failed: %v", err)
	}
	if err := VerifyKeyCheck(codec, token); err != nil {
		t.Errorf("VerifyKeyCheck with correct key failed: %v", err)
	}

	wrongKey := testKey(t)
	wrongKey[0] ^= 0xff
	wrong, err := NewAEAD(wrongKey)
	if err != nil {
		t.Fatalf("NewAEAD failed: %v", err)
	}
	if err := VerifyKeyCheck(wrong, token); !errors.Is(err, common.ErrBadPassphrase) {
		t.Errorf("VerifyKeyCheck with wrong key: got %v, want ErrBadPassphrase", err)
	}
}

func TestNoopCodec(t *testing.T) {
	codec := Noop()
	if codec.Enabled() {
		t.Error("noop codec reports Enabled")
	}
	sealed, err := codec.Seal([]byte("data"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	opened, err := codec.Open(sealed)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if string(opened) != "data" {
		t.Errorf("noop round trip mismatch: %q", opened)
	}
}
