// Copyright (c) 2013-2014 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"os/signal"
	"syscall"
)

// interruptChannel is used to receive SIGINT (Ctrl+C) and SIGTERM signals.
var interruptChannel chan os.Signal

// addHandlerChannel is used to add an interrupt handler to the list of handlers
// to be invoked on shutdown.
var addHandlerChannel = make(chan func())

// interruptHandlersDone is closed after all interrupt handlers ran.
var interruptHandlersDone = make(chan struct{})

// shutdownRequestChannel lets internal components request a clean shutdown.
var shutdownRequestChannel = make(chan struct{}, 1)

// signals defines the signals that are handled to do a clean shutdown.
var signals = []os.Signal{os.Interrupt, syscall.SIGTERM}

// requestShutdown invokes the clean termination process from an internal
// component instead of a signal.
func requestShutdown() {
	select {
	case shutdownRequestChannel <- struct{}{}:
	default:
	}
}

// mainInterruptHandler listens for shutdown signals and requests and invokes
// the registered handlers in LIFO order.  It also listens for handler
// registration.
//
// NOTE: MUST be run as a goroutine.
func mainInterruptHandler() {
	var handlers []func()
	invokeHandlers := func() {
		for i := len(handlers) - 1; i >= 0; i-- {
			handlers[i]()
		}
		close(interruptHandlersDone)
	}

	for {
		select {
		case sig := <-interruptChannel:
			log.Infof("Received signal (%s).  Shutting down...", sig)
			invokeHandlers()
			return

		case <-shutdownRequestChannel:
			log.Info("Received shutdown request.  Shutting down...")
			invokeHandlers()
			return

		case handler := <-addHandlerChannel:
			handlers = append(handlers, handler)
		}
	}
}

// addInterruptHandler adds a handler to call on shutdown.
func addInterruptHandler(handler func()) {
	// Create the channel and start the main interrupt handler which invokes
	// all other handlers and exits if not already done.
	if interruptChannel == nil {
		interruptChannel = make(chan os.Signal, 1)
		signal.Notify(interruptChannel, signals...)
		go mainInterruptHandler()
	}

	addHandlerChannel <- handler
}
