package integrity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
)

func testKeyPair(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	return priv, string(pemBytes)
}

func TestAttestationRoundTrip(t *testing.T) {
	priv, pub := testKeyPair(t)
	verifier, err := NewVerifier(pub, true)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	signer := NewSigner(priv, "node-1", "v1", "abc123")

	claim, err := signer.CreateClaim()
	if err != nil {
		t.Fatalf("CreateClaim: %v", err)
	}
	if err := verifier.Verify(claim); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestAttestationTamperedClaimRejected(t *testing.T) {
	priv, pub := testKeyPair(t)
	verifier, _ := NewVerifier(pub, true)
	signer := NewSigner(priv, "node-1", "v1", "abc123")

	claim, err := signer.CreateClaim()
	if err != nil {
		t.Fatalf("CreateClaim: %v", err)
	}
	claim.BinaryHash = "tampered"
	if err := verifier.Verify(claim); err == nil {
		t.Error("expected tampered claim to fail verification")
	}
}

func TestAttestationDisabledAlwaysPasses(t *testing.T) {
	verifier, err := NewVerifier("", false)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	if err := verifier.Verify(&Claim{NodeID: "x", Signature: "garbage"}); err != nil {
		t.Errorf("expected disabled verifier to always pass, got %v", err)
	}
}

func TestVerifyBinaryHash(t *testing.T) {
	priv, pub := testKeyPair(t)
	verifier, _ := NewVerifier(pub, true)
	signer := NewSigner(priv, "node-1", "v1", "expected-hash")

	claim, err := signer.CreateClaim()
	if err != nil {
		t.Fatalf("CreateClaim: %v", err)
	}
	if err := verifier.VerifyBinaryHash(claim, "expected-hash"); err != nil {
		t.Errorf("expected matching hash to pass, got %v", err)
	}
	if err := verifier.VerifyBinaryHash(claim, "wrong-hash"); err == nil {
		t.Error("expected mismatched hash to fail")
	}
}

func TestHashFileAndCheckBaseline(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.bin")
	if err := os.WriteFile(path, []byte("hello world"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	h1, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	h2, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile (second read): %v", err)
	}
	if h1 != h2 {
		t.Errorf("expected deterministic hash, got %s vs %s", h1, h2)
	}

	if err := CheckBaseline(""); err != nil {
		t.Errorf("expected empty baseline to disable the check, got %v", err)
	}
}
