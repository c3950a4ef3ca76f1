package pairing

import (
	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/hsmcard/hsmcard-go/pkg/utils"
)

// Info is what the host remembers about a card it has talked to.
type Info struct {
	Authentikey utils.HexString `json:"authentikey"`
}

func ToInfo(authentikey *btcec.PublicKey) *Info {
	return &Info{
		Authentikey: authentikey.SerializeCompressed(),
	}
}

func (i *Info) PublicKey() (*btcec.PublicKey, error) {
	return btcec.ParsePubKey(i.Authentikey)
}
