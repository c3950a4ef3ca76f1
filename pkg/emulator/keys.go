package emulator

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"

	"github.com/hsmcard/hsmcard-go/pkg/commandset"
	"github.com/hsmcard/hsmcard-go/pkg/keypath"
	"github.com/hsmcard/hsmcard-go/pkg/recovery"
)

// derive walks path from the master key, reusing cached nodes. It fails
// with "no memory" if the new nodes do not fit in the cache.
func (c *Card) derive(path keypath.Path) (*hdkeychain.ExtendedKey, uint16) {
	missing := 0
	for depth := 1; depth <= path.Depth(); depth++ {
		if _, cached := c.cache[path[:depth].String()]; !cached {
			missing++
		}
	}
	if len(c.cache)+missing > c.cacheSize {
		return nil, commandset.SwNoMemoryLeft
	}

	node := c.master
	for depth := 1; depth <= path.Depth(); depth++ {
		key := path[:depth].String()
		if cached, ok := c.cache[key]; ok {
			node = cached
			continue
		}

		child, err := node.Derive(path[depth-1])
		if err != nil {
			return nil, commandset.SwInvalidParameter
		}
		c.cache[key] = child
		node = child
	}

	return node, commandset.SwOK
}

// signedKey appends the size-prefixed x-coordinate of key to prefix,
// followed by signer's signature over everything written so far.
func signedKey(prefix []byte, key, signer *btcec.PrivateKey) []byte {
	out := append([]byte{}, prefix...)
	out = appendPrefixed(out, recovery.XCoordinate(key.PubKey()))
	return appendSignature(out, signer)
}

func appendSignature(data []byte, signer *btcec.PrivateKey) []byte {
	hash := sha256.Sum256(data)
	return appendPrefixed(data, ecdsa.Sign(signer, hash[:]).Serialize())
}

func appendPrefixed(data, field []byte) []byte {
	data = binary.BigEndian.AppendUint16(data, uint16(len(field)))
	return append(data, field...)
}

func (c *Card) signECDSA(priv *btcec.PrivateKey, hash []byte) []byte {
	sig := ecdsa.Sign(priv, hash).Serialize()
	if !c.highS {
		return sig
	}

	r, s, err := recovery.ParseDER(sig)
	if err != nil {
		return sig
	}
	s.Negate()
	return recovery.EncodeDER(r, s)
}
