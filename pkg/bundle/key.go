package bundle

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Key identifies a build by its canonical spec. Callers should treat it as
// opaque; it is human readable only to make admin purge patterns usable.
type Key string

func (k Key) String() string {
	return string(k)
}

var (
	keyDomain = [32]byte{
		'b', 'u', 'n', 'd', 'l', 'e', 'c', 'd', 'n', '.', 'k', 'e', 'y',
	}
	bodyDomain = [32]byte{
		'b', 'u', 'n', 'd', 'l', 'e', 'c', 'd', 'n', '.', 'b', 'o', 'd', 'y',
	}
)

// Digest returns a fixed-length hex identifier for the key, safe to use as a
// storage key or file name.
func (k Key) Digest() string {
	return keyedHex(keyDomain, []byte(k))
}

// ContentHash returns the hex BLAKE3 hash of an artifact body.
func ContentHash(body []byte) string {
	return keyedHex(bodyDomain, body)
}

func keyedHex(domain [32]byte, data []byte) string {
	hasher, err := blake3.NewKeyed(domain[:])
	if err != nil {
		panic("bundle: blake3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = hasher.Write(data)
	return hex.EncodeToString(hasher.Sum(nil))
}
