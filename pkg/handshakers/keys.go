package handshakers

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha512"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"strings"

	"golang.org/x/crypto/ssh"
)

// determRandIter is the number of times a seed is hashed with SHA-512 to
// produce the starting state of a seeded key stream
const determRandIter = 2048

// GenerateKey generates a PEM-encoded ECDSA P-256 private key for the SSH
// server side. A non-empty seed produces the same key every time; an empty
// seed produces a random key.
func GenerateKey(seed string) ([]byte, error) {
	var priv *ecdsa.PrivateKey
	var err error
	if seed == "" {
		priv, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	} else {
		priv, err = seededKey(newDetermRand([]byte(seed)))
	}
	if err != nil {
		return nil, err
	}
	b, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("unable to marshal ECDSA private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: b}), nil
}

// seededKey derives a P-256 key from r. ecdsa.GenerateKey may consume a
// random extra byte from r, so it cannot be used with a seeded stream.
func seededKey(r io.Reader) (*ecdsa.PrivateKey, error) {
	curve := elliptic.P256()
	params := curve.Params()
	b := make([]byte, params.BitSize/8+8)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	one := big.NewInt(1)
	k := new(big.Int).SetBytes(b)
	k.Mod(k, new(big.Int).Sub(params.N, one))
	k.Add(k, one)

	priv := &ecdsa.PrivateKey{D: k}
	priv.PublicKey.Curve = curve
	priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(k.Bytes())
	return priv, nil
}

// NewSigner returns an ssh.Signer for the key GenerateKey derives from seed
func NewSigner(seed string) (ssh.Signer, error) {
	key, err := GenerateKey(seed)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(key)
}

// FingerprintKey returns the colon-separated MD5 fingerprint of an SSH
// public key, which clients use to pin the server
func FingerprintKey(k ssh.PublicKey) string {
	sum := md5.Sum(k.Marshal())
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":")
}

// ParseAuth splits a "user:pass" string. It returns two empty strings if
// auth does not contain ':'.
func ParseAuth(auth string) (string, string) {
	user, pass, ok := strings.Cut(auth, ":")
	if !ok {
		return "", ""
	}
	return user, pass
}

// determRand is a deterministic pseudo random stream: each round hashes
// the running state with SHA-512, keeps the first half as the next state
// and emits the second half.
type determRand struct {
	next []byte
}

func newDetermRand(seed []byte) *determRand {
	next := seed
	for i := 0; i < determRandIter; i++ {
		next, _ = determHash(next)
	}
	return &determRand{next: next}
}

func (d *determRand) Read(b []byte) (int, error) {
	n := 0
	for n < len(b) {
		next, out := determHash(d.next)
		n += copy(b[n:], out)
		d.next = next
	}
	return n, nil
}

func determHash(input []byte) (next []byte, output []byte) {
	sum := sha512.Sum512(input)
	return sum[:sha512.Size/2], sum[sha512.Size/2:]
}
