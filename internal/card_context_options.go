package internal

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/hsmcard/hsmcard-go/internal/logging"
	"github.com/hsmcard/hsmcard-go/pkg/pairing"
)

type Option func(*CardContext)

func WithStorage(store *pairing.Store) Option {
	return func(k *CardContext) {
		k.pairings = store
	}
}

func WithLogging(enabled bool, filePath string) Option {
	return func(k *CardContext) {
		logger, err := logging.Build(enabled, filePath)
		if err != nil {
			fmt.Printf("failed to initialize log: %v\n", err)
			logger = zap.NewNop()
		}

		zap.ReplaceGlobals(logger)
		k.logger = zap.L().Named("card")
	}
}
