package certs

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Algorithm identifies a signature algorithm by its JOSE name.
type Algorithm string

const (
	// ES256 is ECDSA over P-256 with SHA-256.
	ES256 Algorithm = "ES256"
	// EdDSA is Ed25519.
	EdDSA Algorithm = "EdDSA"
	// ES256K is ECDSA over secp256k1 with SHA-256, recoverable 65 byte form.
	ES256K Algorithm = "ES256K"
)

// ErrUnsupportedAlgorithm 表示未知的签名算法。
var ErrUnsupportedAlgorithm = errors.New("unsupported signature algorithm")

// ParseAlgorithm validates an algorithm name.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(name) {
	case ES256, EdDSA, ES256K:
		return Algorithm(name), nil
	case "":
		return ES256, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, name)
	}
}

// privateKey hides the concrete key type behind the operations the manager
// needs. Implementations never expose raw key material except via marshal,
// whose output is sealed before it touches disk.
type privateKey interface {
	algorithm() Algorithm
	sign(payload []byte) ([]byte, error)
	publicKey() ([]byte, error)
	marshal() ([]byte, error)
}

func generateKey(alg Algorithm) (privateKey, error) {
	switch alg {
	case ES256:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, err
		}
		return p256Key{key}, nil
	case EdDSA:
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		return ed25519Key{key}, nil
	case ES256K:
		key, err := ethcrypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		return secp256k1Key{key}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
	}
}

func parsePrivateKey(alg Algorithm, raw []byte) (privateKey, error) {
	switch alg {
	case ES256:
		parsed, err := x509.ParsePKCS8PrivateKey(raw)
		if err != nil {
			return nil, err
		}
		key, ok := parsed.(*ecdsa.PrivateKey)
		if !ok {
			return nil, errors.New("stored key is not an ECDSA key")
		}
		return p256Key{key}, nil
	case EdDSA:
		if len(raw) != ed25519.SeedSize {
			return nil, errors.New("invalid ed25519 seed length")
		}
		return ed25519Key{ed25519.NewKeyFromSeed(raw)}, nil
	case ES256K:
		key, err := ethcrypto.ToECDSA(raw)
		if err != nil {
			return nil, err
		}
		return secp256k1Key{key}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
	}
}

// VerifySignature checks sig over payload with an encoded public key of the
// given algorithm.
func VerifySignature(alg Algorithm, publicKey, payload, sig []byte) error {
	switch alg {
	case ES256:
		parsed, err := x509.ParsePKIXPublicKey(publicKey)
		if err != nil {
			return fmt.Errorf("parse public key: %w", err)
		}
		pub, ok := parsed.(*ecdsa.PublicKey)
		if !ok || pub.Curve != elliptic.P256() {
			return errors.New("public key is not a P-256 key")
		}
		digest := sha256.Sum256(payload)
		if !ecdsa.VerifyASN1(pub, digest[:], sig) {
			return ErrBadSignature
		}
		return nil
	case EdDSA:
		if len(publicKey) != ed25519.PublicKeySize {
			return errors.New("public key is not an ed25519 key")
		}
		if !ed25519.Verify(ed25519.PublicKey(publicKey), payload, sig) {
			return ErrBadSignature
		}
		return nil
	case ES256K:
		if _, err := ethcrypto.UnmarshalPubkey(publicKey); err != nil {
			return fmt.Errorf("public key is not a secp256k1 key: %w", err)
		}
		if len(sig) != 65 && len(sig) != 64 {
			return ErrBadSignature
		}
		digest := sha256.Sum256(payload)
		if !ethcrypto.VerifySignature(publicKey, digest[:], sig[:64]) {
			return ErrBadSignature
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
	}
}

// ErrBadSignature 表示签名与公钥或载荷不匹配。
var ErrBadSignature = errors.New("signature does not match")

type p256Key struct{ key *ecdsa.PrivateKey }

func (k p256Key) algorithm() Algorithm { return ES256 }

func (k p256Key) sign(payload []byte) ([]byte, error) {
	digest := sha256.Sum256(payload)
	return ecdsa.SignASN1(rand.Reader, k.key, digest[:])
}

func (k p256Key) publicKey() ([]byte, error) { return x509.MarshalPKIXPublicKey(&k.key.PublicKey) }

func (k p256Key) marshal() ([]byte, error) { return x509.MarshalPKCS8PrivateKey(k.key) }

type ed25519Key struct{ key ed25519.PrivateKey }

func (k ed25519Key) algorithm() Algorithm { return EdDSA }

func (k ed25519Key) sign(payload []byte) ([]byte, error) { return ed25519.Sign(k.key, payload), nil }

func (k ed25519Key) publicKey() ([]byte, error) {
	pub, _ := k.key.Public().(ed25519.PublicKey)
	return append([]byte(nil), pub...), nil
}

func (k ed25519Key) marshal() ([]byte, error) { return k.key.Seed(), nil }

type secp256k1Key struct{ key *ecdsa.PrivateKey }

func (k secp256k1Key) algorithm() Algorithm { return ES256K }

func (k secp256k1Key) sign(payload []byte) ([]byte, error) {
	digest := sha256.Sum256(payload)
	return ethcrypto.Sign(digest[:], k.key)
}

func (k secp256k1Key) publicKey() ([]byte, error) { return ethcrypto.FromECDSAPub(&k.key.PublicKey), nil }

func (k secp256k1Key) marshal() ([]byte, error) { return ethcrypto.FromECDSA(k.key), nil }
