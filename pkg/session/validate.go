package session

import (
	goerrors "errors"

	"github.com/go-playground/validator/v10"
	"github.com/tyler-smith/go-bip39"

	"github.com/hsmcard/hsmcard-go/pkg/keypath"
)

var (
	validate = validator.New()
)

func init() {
	validations := map[string]validator.Func{
		"mnemonic": isMnemonic,
		"keypath":  isKeyPath,
	}
	for tag, fn := range validations {
		if err := validate.RegisterValidation(tag, fn); err != nil {
			panic(err)
		}
	}
}

func validateRequest(v interface{}) error {
	err := validate.Struct(v)
	if err != nil {
		errs := err.(validator.ValidationErrors)
		return goerrors.Join(errs)
	}
	return nil
}

// isMnemonic accepts a BIP39 mnemonic with a valid checksum.
func isMnemonic(fl validator.FieldLevel) bool {
	mnemonic := fl.Field().String()
	return bip39.IsMnemonicValid(mnemonic)
}

func isKeyPath(fl validator.FieldLevel) bool {
	_, err := keypath.Parse(fl.Field().String())
	return err == nil
}
