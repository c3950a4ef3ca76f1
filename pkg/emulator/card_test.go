package emulator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hsmcard/hsmcard-go/pkg/apdu"
	"github.com/hsmcard/hsmcard-go/pkg/commandset"
)

func transmit(t *testing.T, c *Card, cmd *apdu.Command) *apdu.Response {
	t.Helper()
	raw, err := cmd.Serialize()
	require.NoError(t, err)
	out, err := c.Transmit(raw)
	require.NoError(t, err)
	resp, err := apdu.ParseResponse(out)
	require.NoError(t, err)
	return resp
}

func TestStatusBeforeSetup(t *testing.T) {
	c := New()
	resp := transmit(t, c, apdu.NewCommand(commandset.Cla, commandset.InsGetStatus, 0, 0, nil))
	require.Equal(t, commandset.SwSetupNotDone, resp.Sw())

	resp = transmit(t, c, apdu.NewCommand(commandset.Cla, commandset.InsVerifyPIN, 0, 0, []byte("1234")))
	require.Equal(t, commandset.SwSetupNotDone, resp.Sw())
}

func TestSelect(t *testing.T) {
	c := New()
	resp := transmit(t, c, apdu.NewCommand(commandset.ClaISO, commandset.InsSelect, 0x04, 0, commandset.AppletAID))
	require.True(t, resp.IsOK())

	resp = transmit(t, c, apdu.NewCommand(commandset.ClaISO, commandset.InsSelect, 0x04, 0, []byte{0x01, 0x02}))
	require.Equal(t, commandset.SwFileNotFound, resp.Sw())
}

func TestSecureChannelEnforced(t *testing.T) {
	c := New(WithSetup("1234", "5678", 3))

	resp := transmit(t, c, apdu.NewCommand(commandset.Cla, commandset.InsVerifyPIN, 0, 0, []byte("1234")))
	require.Equal(t, commandset.SwSecureChannelRequired, resp.Sw())

	resp = transmit(t, c, apdu.NewCommand(commandset.Cla, commandset.InsProcessSecureChannel, 0, 0, make([]byte, 64)))
	require.Equal(t, commandset.SwSecureChannelUninitialized, resp.Sw())

	status, err := commandset.ParseStatus(transmit(t, c, apdu.NewCommand(commandset.Cla, commandset.InsGetStatus, 0, 0, nil)))
	require.NoError(t, err)
	require.True(t, status.NeedsSecureChannel)
}

func TestPlainCommandsOnOldFirmware(t *testing.T) {
	c := New(WithSetup("1234", "5678", 3), WithFirmware(0, 11))

	resp := transmit(t, c, apdu.NewCommand(commandset.Cla, commandset.InsVerifyPIN, 0, 0, []byte("0000")))
	require.Equal(t, commandset.SwWrongPINPrefix|2, resp.Sw())

	resp = transmit(t, c, apdu.NewCommand(commandset.Cla, commandset.InsVerifyPIN, 0, 0, []byte("1234")))
	require.True(t, resp.IsOK())
	require.Equal(t, uint8(3), c.PINRemaining())
}

func TestDerivationCacheBound(t *testing.T) {
	c := New(WithSetup("1234", "5678", 3), WithFirmware(0, 11), WithCacheSize(2), WithSeed(make([]byte, 32)))
	require.True(t, transmit(t, c, apdu.NewCommand(commandset.Cla, commandset.InsVerifyPIN, 0, 0, []byte("1234"))).IsOK())

	path := []byte{0x80, 0, 0, 0x54, 0x80, 0, 0, 0}
	resp := transmit(t, c, apdu.NewCommand(commandset.Cla, commandset.InsGetExtendedKey, 2, commandset.ExtendedKeyOptions, path))
	require.True(t, resp.IsOK())
	require.Len(t, c.cache, 2)

	// Same nodes are served from the cache.
	resp = transmit(t, c, apdu.NewCommand(commandset.Cla, commandset.InsGetExtendedKey, 2, commandset.ExtendedKeyOptions, path))
	require.True(t, resp.IsOK())

	other := []byte{0x80, 0, 0, 0x2C}
	resp = transmit(t, c, apdu.NewCommand(commandset.Cla, commandset.InsGetExtendedKey, 1, commandset.ExtendedKeyOptions, other))
	require.Equal(t, commandset.SwNoMemoryLeft, resp.Sw())

	resp = transmit(t, c, apdu.NewCommand(commandset.Cla, commandset.InsGetExtendedKey, 1, commandset.ExtendedKeyOptionsFlush, other))
	require.True(t, resp.IsOK())
	require.Len(t, c.cache, 1)
}
