// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netparams

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

// Params is used to group parameters for various networks such as the main
// network and test networks.
type Params struct {
	*chaincfg.Params

	// DataDirName is the directory below the data directory holding the
	// databases of this network.
	DataDirName string
}

// MainNetParams contains parameters specific to running spvwalletd on the
// main network (wire.MainNet).
var MainNetParams = Params{
	Params:      &chaincfg.MainNetParams,
	DataDirName: "mainnet",
}

// TestNet3Params contains parameters specific to running spvwalletd on the
// test network (version 3) (wire.TestNet3).
var TestNet3Params = Params{
	Params:      &chaincfg.TestNet3Params,
	DataDirName: "testnet3",
}

// RegressionNetParams contains parameters specific to the regression test
// network (wire.TestNet).
var RegressionNetParams = Params{
	Params:      &chaincfg.RegressionNetParams,
	DataDirName: "regtest",
}

// SimNetParams contains parameters specific to the simulation test network
// (wire.SimNet).
var SimNetParams = Params{
	Params:      &chaincfg.SimNetParams,
	DataDirName: "simnet",
}

// SigNetParams contains parameters specific to the default signet.
var SigNetParams = Params{
	Params:      &chaincfg.SigNetParams,
	DataDirName: "signet",
}

// ByName returns the parameters of the network with the given name.
func ByName(name string) (*Params, error) {
	for _, p := range []*Params{
		&MainNetParams, &TestNet3Params, &RegressionNetParams,
		&SimNetParams, &SigNetParams,
	} {
		if p.Name == name || p.DataDirName == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("unknown network %q", name)
}
