//go:build !unix

package main

import "os"

// No user signals outside unix; pause and resume go through the engine API only.
var (
	pauseSignal  os.Signal
	resumeSignal os.Signal
)
