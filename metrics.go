// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"github.com/btcsuite/spvwallet/wallet"
	"github.com/prometheus/client_golang/prometheus"
)

// balanceSource provides the wallet balance.
type balanceSource interface {
	BalanceInfo() wallet.BalanceInfo
}

// registerBalanceMetrics exposes the wallet balance in satoshis as gauges
// evaluated on every scrape.
func registerBalanceMetrics(reg prometheus.Registerer,
	src balanceSource) error {

	gauge := func(name, help string,
		value func(wallet.BalanceInfo) int64) prometheus.Collector {

		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "spvwallet",
			Subsystem: "balance",
			Name:      name,
			Help:      help,
		}, func() float64 {
			return float64(value(src.BalanceInfo()))
		})
	}

	for _, c := range []prometheus.Collector{
		gauge("spendable_sat", "Spendable balance.",
			func(b wallet.BalanceInfo) int64 {
				return int64(b.Spendable)
			}),
		gauge("unspendable_sat", "Balance rejected by the spend policy.",
			func(b wallet.BalanceInfo) int64 {
				return int64(b.Unspendable)
			}),
		gauge("wait_confirmed_spendable_sat",
			"Spendable balance excluding outputs still confirming.",
			func(b wallet.BalanceInfo) int64 {
				return int64(b.WaitConfirmedSpendable)
			}),
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
