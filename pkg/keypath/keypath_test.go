package keypath

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestParseFormatRoundTrip(t *testing.T) {
	for _, str := range []string{
		"m",
		"m/0",
		"m/44'/0'/0'",
		"m/84'/0'/0'/0/0",
		"m/86'/1'/0'/1/2147483647",
		"m/2147483647'/1/2/3/4/5/6/7/8/9",
	} {
		path, err := Parse(str)
		require.NoError(t, err, str)
		require.Equal(t, str, path.String())

		again, err := Parse(path.String())
		require.NoError(t, err)
		require.Equal(t, path, again)
	}
}

func TestParseEncoding(t *testing.T) {
	path, err := Parse("m/84'/0'/0'/0/5")
	require.NoError(t, err)
	require.Equal(t, Path{0x80000054, 0x80000000, 0x80000000, 0, 5}, path)
	require.Equal(t, []byte{
		0x80, 0x00, 0x00, 0x54,
		0x80, 0x00, 0x00, 0x00,
		0x80, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x05,
	}, path.Bytes())

	decoded, err := FromBytes(path.Bytes())
	require.NoError(t, err)
	require.Equal(t, path, decoded)
}

func TestParseAlternativeHardeningMarkers(t *testing.T) {
	path, err := Parse("m/49h/0H/1'")
	require.NoError(t, err)
	require.Equal(t, "m/49'/0'/1'", path.String())

	noRoot, err := Parse("49'/0'/1'")
	require.NoError(t, err)
	require.Equal(t, path, noRoot)
}

func TestParseRejects(t *testing.T) {
	for _, str := range []string{
		"",
		"m/",
		"m//1",
		"m/+1",
		"m/-1",
		"m/1'/-0",
		"m/abc",
		"m/2147483648",
		"m/4294967296'",
		"m/1''",
	} {
		_, err := Parse(str)
		require.True(t, errors.Is(err, ErrInvalidPath), str)
	}

	_, err := Parse("m/0/1/2/3/4/5/6/7/8/9/10")
	require.True(t, errors.Is(err, ErrTooDeep))
}

func TestFromBytesRejects(t *testing.T) {
	_, err := FromBytes([]byte{0x00, 0x01, 0x02})
	require.True(t, errors.Is(err, ErrInvalidPath))

	_, err = FromBytes(make([]byte, 44))
	require.True(t, errors.Is(err, ErrTooDeep))
}

func TestParentAndChild(t *testing.T) {
	path, err := Parse("m/84'/0'/0'/0/7")
	require.NoError(t, err)

	require.Equal(t, "m/84'/0'/0'/0", path.Parent().String())
	require.Equal(t, uint32(7), path.ChildNumber())
	require.Equal(t, 5, path.Depth())
	require.Equal(t, path, path.Parent().Child(7))

	root := Path{}
	require.True(t, root.IsRoot())
	require.True(t, root.Parent().IsRoot())
	require.Equal(t, uint32(0), root.ChildNumber())
	require.True(t, IsHardened(Hardened(3)))
}
