package session

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/stretchr/testify/require"

	"github.com/hsmcard/hsmcard-go/internal"
)

const (
	testPIN      = "123456"
	testPUK      = "12345678"
	testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	testZpub     = "zpub6rFR7y4Q2AijBEqTUquhVz398htDFrtymD9xYYfG1m4wAcvPhXNfE3EfH1r1ADqtfSdVCToUG868RvUUkgDKf31mGDtKsAYz2oz2AGutZYs"
)

func startEmulated(t *testing.T) *HSMService {
	t.Helper()
	s := &HSMService{}
	err := s.Start(&StartRequest{
		StorageFilePath: filepath.Join(t.TempDir(), "pairings.json"),
		Emulator:        true,
	}, &struct{}{})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Stop(&struct{}{}, &struct{}{})
	})
	return s
}

func TestServiceNotStarted(t *testing.T) {
	s := &HSMService{}
	var status internal.Status
	require.ErrorIs(t, s.GetStatus(&struct{}{}, &status), errHSMServiceNotStarted)
	require.ErrorIs(t, s.Stop(&struct{}{}, &struct{}{}), errHSMServiceNotStarted)
}

func TestServiceWalletFlow(t *testing.T) {
	s := startEmulated(t)
	empty := &struct{}{}

	var status internal.Status
	require.NoError(t, s.GetStatus(empty, &status))
	require.Equal(t, internal.NotSetUp, status.State)

	require.NoError(t, s.Initialize(&InitializeRequest{PIN: testPIN, PUK: testPUK}, empty))

	var verify VerifyPINResponse
	require.NoError(t, s.VerifyPIN(&VerifyPINRequest{PIN: "000000"}, &verify))
	require.False(t, verify.PINCorrect)
	require.Equal(t, 4, verify.RemainingAttempts)

	require.NoError(t, s.VerifyPIN(&VerifyPINRequest{PIN: testPIN}, &verify))
	require.True(t, verify.PINCorrect)

	var loaded LoadMnemonicResponse
	require.NoError(t, s.LoadMnemonic(&LoadMnemonicRequest{Mnemonic: testMnemonic}, &loaded))
	require.Len(t, loaded.Authentikey, 33)

	var xpub GetXpubResponse
	require.NoError(t, s.GetXpub(&GetXpubRequest{Path: "m/84'/0'/0'", Version: "zpub"}, &xpub))
	require.Equal(t, testZpub, xpub.Xpub)

	hash := sha256.Sum256([]byte("message"))
	var sig SignHashResponse
	require.NoError(t, s.SignHash(&SignHashRequest{Path: "m/84'/0'/0'/0/0", Hash: hash[:]}, &sig))
	require.Equal(t, byte(0x01), sig.Signature[len(sig.Signature)-1])

	require.NoError(t, s.SignHash(&SignHashRequest{Path: "m/86'/0'/0'/0/0", Hash: hash[:], Taproot: true}, &sig))
	_, err := schnorr.ParseSignature(sig.Signature)
	require.NoError(t, err)

	require.NoError(t, s.Logout(empty, empty))
	require.NoError(t, s.GetStatus(empty, &status))
	require.Equal(t, internal.Ready, status.State)
}

func TestServiceValidation(t *testing.T) {
	s := startEmulated(t)
	empty := &struct{}{}

	require.Error(t, s.Initialize(&InitializeRequest{PIN: "12", PUK: testPUK}, empty))
	require.Error(t, s.LoadMnemonic(&LoadMnemonicRequest{Mnemonic: "abandon abandon"}, &LoadMnemonicResponse{}))
	require.Error(t, s.GetXpub(&GetXpubRequest{Path: "m/x/1"}, &GetXpubResponse{}))
	require.Error(t, s.GetXpub(&GetXpubRequest{Path: "m/0", Version: "qpub"}, &GetXpubResponse{}))
	require.Error(t, s.SignHash(&SignHashRequest{Path: "m/0", Hash: []byte{1, 2, 3}}, &SignHashResponse{}))
}

func TestRPCServer(t *testing.T) {
	server, err := CreateRPCServer()
	require.NoError(t, err)

	call := func(method string, params interface{}) map[string]interface{} {
		body, err := json.Marshal(map[string]interface{}{
			"method": method,
			"params": []interface{}{params},
			"id":     1,
		})
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		server.ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp map[string]interface{}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		return resp
	}

	resp := call("hsm.Start", StartRequest{Emulator: true})
	require.Nil(t, resp["error"])
	defer call("hsm.Stop", struct{}{})

	resp = call("hsm.GetStatus", struct{}{})
	require.Nil(t, resp["error"])
	result, ok := resp["result"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, string(internal.NotSetUp), result["state"])
	require.Equal(t, internal.EmulatorReader, result["reader"])
}
