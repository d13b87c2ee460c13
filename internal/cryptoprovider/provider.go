package cryptoprovider

import "crypto/rsa"

// Provider performs the cryptographic operations a secure connection
// needs once a policy has been agreed. Implementations must
// be safe for concurrent use by at most one connection's chunk
// encoder and decoder (they are never shared across connections).
type Provider interface {
	// Policy returns the negotiated policy parameters this provider was
	// constructed with.
	Policy() PolicyParams

	// GenerateNonce returns length bytes of cryptographically random
	// material, used as the per-connection nonce exchanged during
	// OPN and fed into DeriveKeys.
	GenerateNonce(length int) ([]byte, error)

	// DeriveKeys expands a local secret and a remote nonce into the
	// directional key material for a new security token; issuance
	// and renewal both call this.
	DeriveKeys(localSecret, remoteNonce []byte) (DirectionalKeys, error)

	// Sign computes the message authentication code over data using
	// keys.SigningKey. For PolicyNone this returns nil, nil.
	Sign(data []byte, keys KeySet) ([]byte, error)

	// VerifySignature checks sig against data using keys.SigningKey.
	// Returns a non-nil error on mismatch; callers must map that to
	// BadSecurityChecksFailed and blank the reason.
	VerifySignature(data, sig []byte, keys KeySet) error

	// Encrypt encrypts plaintext (already padded to the policy's
	// block size by the caller) using keys.EncryptionKey/InitVector.
	// For PolicyNone this returns plaintext unchanged.
	Encrypt(plaintext []byte, keys KeySet) ([]byte, error)

	// Decrypt is the inverse of Encrypt.
	Decrypt(ciphertext []byte, keys KeySet) ([]byte, error)

	// Asymmetric operations protect the channel-open exchange before
	// any symmetric keys exist. For PolicyNone they are pass-through
	// or zero-length no-ops like their symmetric counterparts.

	// SignWithPrivateKey signs data with the local private key.
	SignWithPrivateKey(data []byte, key *rsa.PrivateKey) ([]byte, error)

	// VerifyWithCertificate checks sig against data using the public
	// key of the sender's DER certificate.
	VerifyWithCertificate(data, sig, certDER []byte) error

	// EncryptWithCertificate encrypts plain for the holder of certDER.
	// plain must be a multiple of the asymmetric plaintext block size.
	EncryptWithCertificate(plain, certDER []byte) ([]byte, error)

	// DecryptWithPrivateKey is the inverse of EncryptWithCertificate.
	DecryptWithPrivateKey(cipher []byte, key *rsa.PrivateKey) ([]byte, error)

	// AsymmetricBlockSizes returns the plaintext/ciphertext block
	// sizes for encrypting to certDER's key.
	AsymmetricBlockSizes(certDER []byte) (plainBlock, cipherBlock int, err error)

	// AsymmetricSignatureLength is the size of a signature produced
	// with key.
	AsymmetricSignatureLength(key *rsa.PrivateKey) int

	// SignatureLengthOfCertificate is the size of a signature the
	// holder of certDER produces.
	SignatureLengthOfCertificate(certDER []byte) (int, error)
}
