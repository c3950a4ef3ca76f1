// Package utils holds small encoding helpers shared by the JSON surfaces.
package utils

import (
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// HexString is a byte slice carried as a hex string in JSON. Decoding
// accepts an optional 0x prefix and upper case digits.
type HexString []byte

func (s HexString) MarshalJSON() ([]byte, error) {
	return json.Marshal(Btox(s))
}

func (s *HexString) UnmarshalJSON(data []byte) error {
	var x *string
	if err := json.Unmarshal(data, &x); err != nil {
		return err
	}
	if x == nil {
		*s = nil
		return nil
	}

	b, err := Xtob(*x)
	if err != nil {
		return errors.Wrapf(err, "invalid hex string %q", *x)
	}

	*s = b
	return nil
}

func (s HexString) String() string {
	return Btox(s)
}

func Btox(bytes []byte) string {
	return hex.EncodeToString(bytes)
}

func Xtob(str string) ([]byte, error) {
	str = strings.TrimPrefix(strings.TrimPrefix(str, "0x"), "0X")
	return hex.DecodeString(str)
}
