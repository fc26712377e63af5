// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"strings"
	"testing"

	"github.com/btcsuite/spvwallet/wallet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type fixedBalance wallet.BalanceInfo

func (b fixedBalance) BalanceInfo() wallet.BalanceInfo {
	return wallet.BalanceInfo(b)
}

func TestRegisterBalanceMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	require.NoError(t, registerBalanceMetrics(reg, fixedBalance{
		Spendable:              1800,
		Unspendable:            7000,
		WaitConfirmedSpendable: 1300,
	}))

	expected := `
# HELP spvwallet_balance_spendable_sat Spendable balance.
# TYPE spvwallet_balance_spendable_sat gauge
spvwallet_balance_spendable_sat 1800
# HELP spvwallet_balance_unspendable_sat Balance rejected by the spend policy.
# TYPE spvwallet_balance_unspendable_sat gauge
spvwallet_balance_unspendable_sat 7000
`
	require.NoError(t, testutil.GatherAndCompare(
		reg, strings.NewReader(expected),
		"spvwallet_balance_spendable_sat",
		"spvwallet_balance_unspendable_sat",
	))

	// Registering twice fails.
	require.Error(t, registerBalanceMetrics(reg, fixedBalance{}))
}
