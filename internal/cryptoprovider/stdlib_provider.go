package cryptoprovider

import (
	"crypto/aes"
	"crypto/cipher"
	cryptorand "crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// stdlibProvider implements Provider on top of the standard library's
// crypto/aes, crypto/cipher and crypto/sha256, plus golang.org/x/crypto's
// HKDF for key expansion: the key-derivation shape here is expanding a
// shared secret plus a peer nonce into however many key bytes a policy
// needs, which is exactly what HKDF does.
type stdlibProvider struct {
	policy PolicyParams
}

// NewProvider returns the Provider for the given policy URI. Dialing
// PolicyNone returns a provider whose Sign/Encrypt are no-ops, so
// callers never need a parallel "is this a secure policy" branch:
// None is a policy, not an absent one.
func NewProvider(policyURI string) (Provider, error) {
	p, err := LookupPolicy(policyURI)
	if err != nil {
		return nil, err
	}
	return &stdlibProvider{policy: p}, nil
}

func (p *stdlibProvider) Policy() PolicyParams { return p.policy }

func (p *stdlibProvider) GenerateNonce(length int) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	b := make([]byte, length)
	if _, err := io.ReadFull(cryptorand.Reader, b); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return b, nil
}

// DeriveKeys expands localSecret (the client or server nonce
// generated by this side) and remoteNonce (the nonce received from
// the peer during OPN) into signing key, encryption key and IV for
// both directions, per the policy's DeriveSeedLength.
func (p *stdlibProvider) DeriveKeys(localSecret, remoteNonce []byte) (DirectionalKeys, error) {
	if p.policy.URI == PolicyNone {
		return DirectionalKeys{}, nil
	}
	local, err := p.expand(localSecret, remoteNonce)
	if err != nil {
		return DirectionalKeys{}, fmt.Errorf("deriving local keys: %w", err)
	}
	remote, err := p.expand(remoteNonce, localSecret)
	if err != nil {
		return DirectionalKeys{}, fmt.Errorf("deriving remote keys: %w", err)
	}
	return DirectionalKeys{Local: local, Remote: remote}, nil
}

func (p *stdlibProvider) expand(secret, salt []byte) (KeySet, error) {
	n := p.policy.DeriveSeedLength
	kdf := hkdf.New(sha256.New, secret, salt, []byte("opcua-secure-channel"))
	material := make([]byte, n)
	if _, err := io.ReadFull(kdf, material); err != nil {
		return KeySet{}, err
	}
	sk := p.policy.SigningKeyLength
	ek := p.policy.SymmetricKeyLength
	iv := p.policy.BlockSize
	return KeySet{
		SigningKey:    append([]byte(nil), material[:sk]...),
		EncryptionKey: append([]byte(nil), material[sk:sk+ek]...),
		InitVector:    append([]byte(nil), material[sk+ek:sk+ek+iv]...),
	}, nil
}

func (p *stdlibProvider) Sign(data []byte, keys KeySet) ([]byte, error) {
	if p.policy.URI == PolicyNone {
		return nil, nil
	}
	mac := newHMAC(keys.SigningKey)
	mac.Write(data)
	return mac.Sum(nil), nil
}

func (p *stdlibProvider) VerifySignature(data, sig []byte, keys KeySet) error {
	if p.policy.URI == PolicyNone {
		return nil
	}
	want, err := p.Sign(data, keys)
	if err != nil {
		return err
	}
	if !hmacEqual(want, sig) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func (p *stdlibProvider) Encrypt(plaintext []byte, keys KeySet) ([]byte, error) {
	if p.policy.URI == PolicyNone {
		return plaintext, nil
	}
	block, err := aes.NewCipher(keys.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encrypting: %w", err)
	}
	if len(plaintext)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("encrypting: plaintext length %d is not a multiple of block size %d", len(plaintext), block.BlockSize())
	}
	out := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, keys.InitVector).CryptBlocks(out, plaintext)
	return out, nil
}

func (p *stdlibProvider) Decrypt(ciphertext []byte, keys KeySet) ([]byte, error) {
	if p.policy.URI == PolicyNone {
		return ciphertext, nil
	}
	block, err := aes.NewCipher(keys.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	if len(ciphertext)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("decrypting: ciphertext length %d is not a multiple of block size %d", len(ciphertext), block.BlockSize())
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, keys.InitVector).CryptBlocks(out, ciphertext)
	return out, nil
}
