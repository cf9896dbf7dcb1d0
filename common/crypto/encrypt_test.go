package crypto_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sysmanage/sysmanage-server/common/crypto"
)

func makeKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	key := makeKey(t)
	plaintext := []byte("hvs.CAESIJv-vault-token-material")

	ciphertext, err := crypto.Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Fatal("ciphertext should not equal plaintext")
	}

	recovered, err := crypto.Decrypt(key, ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(recovered, plaintext) {
		t.Errorf("recovered %q, want %q", recovered, plaintext)
	}
}

func TestEncryptRejectsBadKeySize(t *testing.T) {
	if _, err := crypto.Encrypt([]byte("short"), []byte("x")); err != crypto.ErrInvalidKeySize {
		t.Errorf("err = %v, want ErrInvalidKeySize", err)
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	key := makeKey(t)
	ciphertext, err := crypto.Encrypt(key, []byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	ciphertext[len(ciphertext)-1] ^= 0xff
	if _, err := crypto.Decrypt(key, ciphertext); err == nil {
		t.Error("expected decryption of tampered ciphertext to fail")
	}
}

func TestDecryptRejectsShortCiphertext(t *testing.T) {
	key := makeKey(t)
	if _, err := crypto.Decrypt(key, []byte{1, 2, 3}); err != crypto.ErrCiphertextTooShort {
		t.Errorf("err = %v, want ErrCiphertextTooShort", err)
	}
}

func TestSignVerifyHMAC(t *testing.T) {
	secret := []byte("shared-secret")
	data := []byte(`{"connection_id":"abc"}`)

	sig := crypto.SignHMAC(secret, data)
	if len(sig) != 64 {
		t.Errorf("signature length = %d, want 64 hex chars", len(sig))
	}
	if !crypto.VerifyHMAC(secret, data, sig) {
		t.Error("valid signature did not verify")
	}
	if crypto.VerifyHMAC(secret, []byte("other"), sig) {
		t.Error("signature verified against different data")
	}
	if crypto.VerifyHMAC([]byte("wrong"), data, sig) {
		t.Error("signature verified under wrong secret")
	}
	if crypto.VerifyHMAC(secret, data, strings.Repeat("0", 64)) {
		t.Error("forged signature verified")
	}
}

func TestParseMasterKey(t *testing.T) {
	hexKey := strings.Repeat("ab", crypto.KeySize)
	key, err := crypto.ParseMasterKey(" " + hexKey + "\n")
	if err != nil {
		t.Fatalf("ParseMasterKey: %v", err)
	}
	if len(key) != crypto.KeySize {
		t.Errorf("key length = %d, want %d", len(key), crypto.KeySize)
	}

	if _, err := crypto.ParseMasterKey(""); err == nil {
		t.Error("expected error for empty key")
	}
	if _, err := crypto.ParseMasterKey("zz"); err == nil {
		t.Error("expected error for invalid hex")
	}
	if _, err := crypto.ParseMasterKey("abcd"); err == nil {
		t.Error("expected error for wrong length")
	}
}
