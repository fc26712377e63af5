// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"encoding/hex"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func TestParseAndSetDebugLevels(t *testing.T) {
	tests := []struct {
		level string
		valid bool
	}{
		{"info", true},
		{"trace", true},
		{"TXSN=debug", true},
		{"TXSN=debug,CHNS=trace", true},
		{"loud", false},
		{"TXSN", false},
		{"TXSN=debug,", false},
		{"NOPE=debug", false},
		{"TXSN=loud", false},
	}
	for _, test := range tests {
		err := parseAndSetDebugLevels(test.level)
		if test.valid {
			require.NoError(t, err, test.level)
		} else {
			require.Error(t, err, test.level)
		}
	}
	require.NoError(t, parseAndSetDebugLevels(defaultLogLevel))
}

func TestSupportedSubsystems(t *testing.T) {
	require.Equal(t, []string{
		"BTCN", "CHNS", "SPVW", "TXSN", "TXST", "WLLT",
	}, supportedSubsystems())
}

func TestSelectNetwork(t *testing.T) {
	cfg := defaultConfig()
	net, err := selectNetwork(&cfg)
	require.NoError(t, err)
	require.Equal(t, wire.MainNet, net.Net)

	cfg.RegTest = true
	net, err = selectNetwork(&cfg)
	require.NoError(t, err)
	require.Equal(t, "regtest", net.DataDirName)

	cfg.SimNet = true
	_, err = selectNetwork(&cfg)
	require.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	cfg := defaultConfig()
	cfg.ConnectPeers = []string{"10.0.0.1", "10.0.0.1:8333", "::1"}
	cfg.AddPeers = []string{"example.com:18444"}
	require.NoError(t, validateConfig(&cfg))
	require.Equal(t, []string{"10.0.0.1:8333", "[::1]:8333"},
		cfg.ConnectPeers)
	require.Equal(t, []string{"example.com:18444"}, cfg.AddPeers)

	tests := []func(*config){
		func(c *config) { c.RetryPeriod = 0 },
		func(c *config) { c.RetryInterval = -time.Second },
		func(c *config) { c.PollInterval = 0 },
		func(c *config) { c.MaxRetries = 0 },
		func(c *config) { c.AddPeers = []string{"[::1"} },
		func(c *config) { c.SendTxs = []string{"zz"} },
		func(c *config) { c.SendTxs = []string{"0100000000"} },
	}
	for i, mutate := range tests {
		cfg := defaultConfig()
		mutate(&cfg)
		require.Error(t, validateConfig(&cfg), "case %d", i)
	}
}

func TestValidateConfigSendTxs(t *testing.T) {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(
		&wire.OutPoint{Hash: chainhash.Hash{7}, Index: 1}, nil, nil,
	))
	tx.AddTxOut(wire.NewTxOut(4000, []byte{0x51}))

	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	rawHex := hex.EncodeToString(buf.Bytes())

	cfg := defaultConfig()
	cfg.SendTxs = []string{rawHex + "\n"}
	require.NoError(t, validateConfig(&cfg))
	require.Len(t, cfg.txs, 1)
	require.Equal(t, tx.TxHash(), cfg.txs[0].TxHash())

	cfg.SendTxs = []string{rawHex + "00"}
	require.ErrorContains(t, validateConfig(&cfg), "trailing")
}
