package cryptoprovider

import (
	"crypto"
	cryptorand "crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
)

// AsymmetricKeyPair is the local identity used to protect the channel
// open exchange: the private key signs and decrypts, the certificate
// is sent to the peer in the asymmetric security header.
type AsymmetricKeyPair struct {
	PrivateKey     *rsa.PrivateKey
	CertificateDER []byte
}

// oaepOverhead is the per-block overhead of RSA-OAEP with SHA-256:
// 2*hLen + 2.
const oaepOverhead = 2*sha256.Size + 2

func (p *stdlibProvider) SignWithPrivateKey(data []byte, key *rsa.PrivateKey) ([]byte, error) {
	if p.policy.URI == PolicyNone {
		return nil, nil
	}
	if key == nil {
		return nil, fmt.Errorf("asymmetric signing: no private key")
	}
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(nil, key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("asymmetric signing: %w", err)
	}
	return sig, nil
}

func (p *stdlibProvider) VerifyWithCertificate(data, sig, certDER []byte) error {
	if p.policy.URI == PolicyNone {
		return nil
	}
	pub, err := publicKeyOf(certDER)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return fmt.Errorf("asymmetric signature verification: %w", err)
	}
	return nil
}

// EncryptWithCertificate encrypts plain for the certificate's key,
// block by block: OAEP bounds each block to the key size minus its
// overhead, so the plaintext is split and each piece encrypted into
// one full key-size block.
func (p *stdlibProvider) EncryptWithCertificate(plain, certDER []byte) ([]byte, error) {
	if p.policy.URI == PolicyNone {
		return plain, nil
	}
	pub, err := publicKeyOf(certDER)
	if err != nil {
		return nil, err
	}
	plainBlock := pub.Size() - oaepOverhead
	if len(plain)%plainBlock != 0 {
		return nil, fmt.Errorf("asymmetric encryption: plaintext length %d is not a multiple of block size %d", len(plain), plainBlock)
	}
	out := make([]byte, 0, (len(plain)/plainBlock)*pub.Size())
	for off := 0; off < len(plain); off += plainBlock {
		ct, err := rsa.EncryptOAEP(sha256.New(), cryptorand.Reader, pub, plain[off:off+plainBlock], nil)
		if err != nil {
			return nil, fmt.Errorf("asymmetric encryption: %w", err)
		}
		out = append(out, ct...)
	}
	return out, nil
}

func (p *stdlibProvider) DecryptWithPrivateKey(cipher []byte, key *rsa.PrivateKey) ([]byte, error) {
	if p.policy.URI == PolicyNone {
		return cipher, nil
	}
	if key == nil {
		return nil, fmt.Errorf("asymmetric decryption: no private key")
	}
	cipherBlock := key.Size()
	if len(cipher)%cipherBlock != 0 {
		return nil, fmt.Errorf("asymmetric decryption: ciphertext length %d is not a multiple of block size %d", len(cipher), cipherBlock)
	}
	var out []byte
	for off := 0; off < len(cipher); off += cipherBlock {
		pt, err := rsa.DecryptOAEP(sha256.New(), nil, key, cipher[off:off+cipherBlock], nil)
		if err != nil {
			return nil, fmt.Errorf("asymmetric decryption: %w", err)
		}
		out = append(out, pt...)
	}
	return out, nil
}

// AsymmetricBlockSizes returns the plaintext and ciphertext block
// sizes for encrypting to certDER's key. For PolicyNone both are 1
// (no blocking).
func (p *stdlibProvider) AsymmetricBlockSizes(certDER []byte) (plainBlock, cipherBlock int, err error) {
	if p.policy.URI == PolicyNone {
		return 1, 1, nil
	}
	pub, err := publicKeyOf(certDER)
	if err != nil {
		return 0, 0, err
	}
	return pub.Size() - oaepOverhead, pub.Size(), nil
}

// AsymmetricSignatureLength returns the signature size produced by
// key, 0 for PolicyNone.
func (p *stdlibProvider) AsymmetricSignatureLength(key *rsa.PrivateKey) int {
	if p.policy.URI == PolicyNone || key == nil {
		return 0
	}
	return key.Size()
}

// SignatureLengthOfCertificate returns the signature size a peer
// holding certDER produces, 0 for PolicyNone.
func (p *stdlibProvider) SignatureLengthOfCertificate(certDER []byte) (int, error) {
	if p.policy.URI == PolicyNone {
		return 0, nil
	}
	pub, err := publicKeyOf(certDER)
	if err != nil {
		return 0, err
	}
	return pub.Size(), nil
}

// CertificateThumbprint is the SHA-1 digest of the DER certificate,
// as carried in the receiver certificate thumbprint field.
func CertificateThumbprint(certDER []byte) []byte {
	if len(certDER) == 0 {
		return nil
	}
	sum := sha1.Sum(certDER)
	return sum[:]
}

func publicKeyOf(certDER []byte) (*rsa.PublicKey, error) {
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate: %w", err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("certificate key type %T is not RSA", cert.PublicKey)
	}
	return pub, nil
}
