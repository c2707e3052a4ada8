// Package integrity provides a startup binary-hash baseline check plus
// signed attestation claims, adapted from the teacher's
// control_plane/attestation package: the Signer/Verifier pair is unchanged
// in shape, generalized from attesting remote agent processes to attesting
// the kernel's own worker processes and the delegate CommandCaller
// binaries they shell out to.
package integrity

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// Claim is a signed attestation that a node is running a known binary.
type Claim struct {
	NodeID     string `json:"node_id"`
	BinaryHash string `json:"binary_hash"`
	Version    string `json:"version"`
	Signature  string `json:"signature"`
	Timestamp  int64  `json:"timestamp"`
}

// Signer creates attestation claims on the node that owns the private key.
type Signer struct {
	privateKey *rsa.PrivateKey
	nodeID     string
	version    string
	binaryHash string
}

func NewSigner(privateKey *rsa.PrivateKey, nodeID, version, binaryHash string) *Signer {
	return &Signer{privateKey: privateKey, nodeID: nodeID, version: version, binaryHash: binaryHash}
}

func (s *Signer) message(timestamp int64) string {
	return fmt.Sprintf("%s:%s:%s:%d", s.nodeID, s.binaryHash, s.version, timestamp)
}

// CreateClaim signs the current node's identity and binary hash.
func (s *Signer) CreateClaim() (*Claim, error) {
	timestamp := time.Now().Unix()
	hashed := sha256.Sum256([]byte(s.message(timestamp)))
	signature, err := rsa.SignPKCS1v15(rand.Reader, s.privateKey, crypto.SHA256, hashed[:])
	if err != nil {
		return nil, fmt.Errorf("signing claim: %w", err)
	}
	return &Claim{
		NodeID:     s.nodeID,
		BinaryHash: s.binaryHash,
		Version:    s.version,
		Signature:  base64.StdEncoding.EncodeToString(signature),
		Timestamp:  timestamp,
	}, nil
}

// Verifier checks attestation claims against a configured public key.
type Verifier struct {
	publicKey *rsa.PublicKey
	enabled   bool
}

// NewVerifier builds a verifier. An empty PEM with enabled=false disables
// attestation entirely, so single-operator deployments can skip key
// management.
func NewVerifier(publicKeyPEM string, enabled bool) (*Verifier, error) {
	if !enabled {
		return &Verifier{enabled: false}, nil
	}
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, errors.New("failed to parse PEM block containing public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}
	return &Verifier{publicKey: rsaPub, enabled: true}, nil
}

func (v *Verifier) IsEnabled() bool { return v.enabled }

const allowedClockSkewSeconds = 5 * 60

// Verify checks a claim's timestamp skew and signature.
func (v *Verifier) Verify(claim *Claim) error {
	if !v.enabled {
		return nil
	}
	skew := claim.Timestamp - time.Now().Unix()
	if skew < 0 {
		skew = -skew
	}
	if skew > allowedClockSkewSeconds {
		return fmt.Errorf("timestamp skew too large: %d seconds (max %d)", skew, allowedClockSkewSeconds)
	}

	message := fmt.Sprintf("%s:%s:%s:%d", claim.NodeID, claim.BinaryHash, claim.Version, claim.Timestamp)
	signature, err := base64.StdEncoding.DecodeString(claim.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	hashed := sha256.Sum256([]byte(message))
	if err := rsa.VerifyPKCS1v15(v.publicKey, crypto.SHA256, hashed[:], signature); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}

// VerifyBinaryHash compares a claim's hash against an expected value in
// constant time.
func (v *Verifier) VerifyBinaryHash(claim *Claim, expectedHash string) error {
	if !v.enabled {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(claim.BinaryHash), []byte(expectedHash)) != 1 {
		return fmt.Errorf("binary hash mismatch: got %s, expected %s", claim.BinaryHash, expectedHash)
	}
	return nil
}

// HashFile computes the sha256 hash of a file on disk, used at startup to
// compute the running binary's own hash (os.Executable()) against a
// configured baseline.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CheckBaseline compares the current process's own binary hash against an
// expected baseline hash, run once at startup. An empty baseline disables
// the check (returns nil).
func CheckBaseline(expectedHash string) error {
	if expectedHash == "" {
		return nil
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving own executable path: %w", err)
	}
	actual, err := HashFile(exe)
	if err != nil {
		return fmt.Errorf("hashing own executable: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(actual), []byte(expectedHash)) != 1 {
		return fmt.Errorf("binary hash %s does not match configured baseline %s", actual, expectedHash)
	}
	return nil
}
