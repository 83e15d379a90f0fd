package testutils

import "log"

// TestLogger is a utility for logging in tests
//
// Every log line is printed and signaled on Done, unless signaling would block.
type TestLogger struct {
	L    *log.Logger
	Done chan bool
}

// Info prints to stdout and signals its done channel
func (h TestLogger) Info(m string, args ...any) {
	h.L.Println(m, args)
	h.signal()
}

// Debug prints to stdout and signals its done channel
func (h TestLogger) Debug(m string, args ...any) {
	h.L.Println(m, args)
	h.signal()
}

// Error prints to stdout and signals its done channel
func (h TestLogger) Error(m string, args ...any) {
	h.L.Println(m, args)
	h.signal()
}

func (h TestLogger) signal() {
	select {
	case h.Done <- true:
	default:
	}
}
