package tuya

import (
	"bytes"
	"crypto/aes"
	"strings"
	"testing"
)

func TestPKCS5_RoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 15, 16, 17, 32} {
		data := bytes.Repeat([]byte{0xab}, n)
		padded := pkcs5Pad(data)
		if len(padded)%aesBlockSize != 0 {
			t.Errorf("len %d: padded length %d not block aligned", n, len(padded))
		}
		unpadded, err := pkcs5Unpad(padded)
		if err != nil {
			t.Fatalf("len %d: unpad: %v", n, err)
		}
		if !bytes.Equal(unpadded, data) {
			t.Errorf("len %d: roundtrip mismatch", n)
		}
	}
}

func TestPKCS5_RejectsBadPadding(t *testing.T) {
	bad := [][]byte{
		{},
		bytes.Repeat([]byte{0x11}, 15), // not block aligned
		append(bytes.Repeat([]byte{0}, 15), 0x00),
		append(bytes.Repeat([]byte{0}, 15), 0x20),
		{0x01, 0x02, 0x03, 0x03, 0x03, 0x02, 0x03, 0x03, 0x03, 0x03, 0x03, 0x03, 0x03, 0x03, 0x02, 0x03},
	}
	for i, data := range bad {
		if _, err := pkcs5Unpad(data); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestECB_RoundTrip(t *testing.T) {
	plain := []byte(`{"dps":{"2":720}}`)
	encrypted, err := encryptECB(testKey, plain, true)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if len(encrypted)%aesBlockSize != 0 {
		t.Errorf("ciphertext not block aligned: %d", len(encrypted))
	}
	decrypted, err := decryptECB(testKey, encrypted)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	got, err := pkcs5Unpad(decrypted)
	if err != nil {
		t.Fatalf("unpad: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("roundtrip mismatch: %s", got)
	}
}

func TestNewNonce_Charset(t *testing.T) {
	for i := 0; i < 50; i++ {
		nonce := newNonce()
		if len(nonce) != 16 {
			t.Fatalf("nonce length %d", len(nonce))
		}
		for _, c := range nonce {
			if strings.ContainsRune("Ool1", rune(c)) {
				t.Errorf("nonce contains ambiguous character %q", c)
			}
			isAlnum := (c >= '0' && c <= '9') || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
			if !isAlnum {
				t.Errorf("nonce contains non-alphanumeric %q", c)
			}
		}
	}
}

func TestDeriveSessionKey(t *testing.T) {
	localKey := make([]byte, 16)
	localNonce := []byte("0123456789ABCDEF")
	remoteNonce := bytes.Repeat([]byte{0xff}, 16)

	got, err := deriveSessionKey(localKey, localNonce, remoteNonce)
	if err != nil {
		t.Fatalf("deriveSessionKey: %v", err)
	}

	// Independent computation: one AES block over the XOR of the nonces.
	xored := make([]byte, 16)
	for i := range xored {
		xored[i] = localNonce[i] ^ remoteNonce[i]
	}
	block, _ := aes.NewCipher(localKey)
	want := make([]byte, 16)
	block.Encrypt(want, xored)

	if !bytes.Equal(got, want) {
		t.Errorf("session key mismatch:\n got %x\nwant %x", got, want)
	}
	if len(got) != KeySize {
		t.Errorf("session key length %d", len(got))
	}
}

func TestDigest31_Shape(t *testing.T) {
	d := digest31(testKey, "c29tZSBkYXRh")
	if len(d) != 16 {
		t.Fatalf("digest length %d", len(d))
	}
	for _, c := range d {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Errorf("digest not lowercase hex: %s", d)
		}
	}
	// Deterministic for identical input, sensitive to the key.
	if d != digest31(testKey, "c29tZSBkYXRh") {
		t.Error("digest not deterministic")
	}
	if d == digest31([]byte("0000000000000000"), "c29tZSBkYXRh") {
		t.Error("digest ignores key")
	}
}
