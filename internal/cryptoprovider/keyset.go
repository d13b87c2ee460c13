package cryptoprovider

// KeySet holds the derived symmetric key material for one direction
// of one security token.
type KeySet struct {
	SigningKey    []byte
	EncryptionKey []byte
	InitVector    []byte
}

// Clear zero-wipes the key material in place. Called when a token is
// superseded and its precedent keys age out, and on connection
// teardown.
func (k *KeySet) Clear() {
	zero(k.SigningKey)
	zero(k.EncryptionKey)
	zero(k.InitVector)
	k.SigningKey = nil
	k.EncryptionKey = nil
	k.InitVector = nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// DirectionalKeys bundles the two KeySets a token set produces: one
// for encrypting/signing what this side sends, one for
// decrypting/verifying what this side receives.
type DirectionalKeys struct {
	Local  KeySet
	Remote KeySet
}

// Clear zero-wipes both directions.
func (d *DirectionalKeys) Clear() {
	d.Local.Clear()
	d.Remote.Clear()
}
