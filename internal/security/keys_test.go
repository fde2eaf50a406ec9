package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadPEM(t *testing.T) {
	if _, err := LoadPEM("   "); err != ErrInvalidKey {
		t.Errorf("blank: want ErrInvalidKey, got %v", err)
	}
	if _, err := LoadPEM("/nonexistent/key.pem"); err == nil {
		t.Error("missing file should fail")
	}
	escaped := strings.ReplaceAll(testPublicKeyPEM, "\n", `\n`)
	b, err := LoadPEM(escaped)
	if err != nil {
		t.Fatalf("LoadPEM escaped: %v", err)
	}
	if string(b) != testPublicKeyPEM {
		t.Error("escaped newlines were not expanded")
	}
}

func TestParseKeys_FromFile(t *testing.T) {
	dir := t.TempDir()
	priv := filepath.Join(dir, "priv.pem")
	pub := filepath.Join(dir, "pub.pem")
	if err := os.WriteFile(priv, []byte(testPrivateKeyPEM), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(pub, []byte(testPublicKeyPEM), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	signer, key, err := LoadKeyPair(priv, pub)
	if err != nil {
		t.Fatalf("LoadKeyPair: %v", err)
	}
	if KeyAlg(signer.Public()) != "RS256" || KeyAlg(key) != "RS256" {
		t.Errorf("KeyAlg = %q / %q, want RS256", KeyAlg(signer.Public()), KeyAlg(key))
	}
}

func TestLoadKeyPair_DerivesPublicKey(t *testing.T) {
	signer, pub, err := LoadKeyPair(testPrivateKeyPEM, "")
	if err != nil {
		t.Fatalf("LoadKeyPair: %v", err)
	}
	if pub == nil || KeyAlg(pub) != KeyAlg(signer.Public()) {
		t.Error("public key should be derived from the private key")
	}
}

func TestLoadKeyPair_MismatchedAlgorithms(t *testing.T) {
	ec, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(ec.Public())
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	ecPub := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	if _, _, err := LoadKeyPair(testPrivateKeyPEM, ecPub); err != ErrInvalidKey {
		t.Errorf("mismatched pair: want ErrInvalidKey, got %v", err)
	}
}

func TestParsePrivateKey_ECPKCS8(t *testing.T) {
	ec, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(ec)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey: %v", err)
	}
	s, err := ParsePrivateKey(string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})))
	if err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}
	if KeyAlg(s.Public()) != "ES256" {
		t.Errorf("KeyAlg = %q, want ES256", KeyAlg(s.Public()))
	}
}

func TestParseKeys_RejectsOtherBlocks(t *testing.T) {
	cert := "-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----"
	if _, err := ParsePrivateKey(cert); err == nil {
		t.Error("certificate accepted as private key")
	}
	if _, err := ParsePublicKey(cert); err == nil {
		t.Error("certificate accepted as public key")
	}
	if _, err := ParsePublicKey("-----BEGIN PUBLIC KEY-----\nnot-base64\n-----END PUBLIC KEY-----"); err == nil {
		t.Error("garbage public key accepted")
	}
	if KeyAlg(nil) != "" {
		t.Error("KeyAlg(nil) should be empty")
	}
}
