package pairing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

func TestStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "pairings.json")

	store, err := NewStore(path)
	require.NoError(t, err)
	require.Nil(t, store.Get("reader"))

	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	require.NoError(t, store.Store("reader", ToInfo(key.PubKey())))

	reopened, err := NewStore(path)
	require.NoError(t, err)
	info := reopened.Get("reader")
	require.NotNil(t, info)

	pub, err := info.PublicKey()
	require.NoError(t, err)
	require.True(t, pub.IsEqual(key.PubKey()))

	require.NoError(t, reopened.Delete("reader"))
	reopened, err = NewStore(path)
	require.NoError(t, err)
	require.Nil(t, reopened.Get("reader"))
}

func TestStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairings.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	_, err := NewStore(path)
	require.Error(t, err)
}
