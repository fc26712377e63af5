// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txsender

import "github.com/prometheus/client_golang/prometheus"

const (
	metricsNamespace = "spvwallet"
	metricsSubsystem = "txsender"
)

// metrics holds the counters exported by a TxSender.
type metrics struct {
	sweeps        prometheus.Counter
	sendAttempts  prometheus.Counter
	peerTasks     prometheus.Counter
	acks          prometheus.Counter
	invalidations prometheus.Counter
	relays        prometheus.Counter
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      name,
		Help:      help,
	})
}

// newMetrics creates the counters and registers them with reg when it is
// not nil.
func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		sweeps: newCounter(
			"sweeps_total", "Pending transaction sweeps run.",
		),
		sendAttempts: newCounter(
			"send_attempts_total", "Transactions handed to peers.",
		),
		peerTasks: newCounter(
			"peer_tasks_total", "Send tasks queued on peers.",
		),
		acks: newCounter(
			"acks_total", "Send acknowledgements counted.",
		),
		invalidations: newCounter(
			"invalidations_total",
			"Transactions declared invalid after too many retries.",
		),
		relays: newCounter(
			"relays_total", "Transactions confirmed relayed.",
		),
	}
	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{
		m.sweeps, m.sendAttempts, m.peerTasks, m.acks,
		m.invalidations, m.relays,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
