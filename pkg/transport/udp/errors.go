package udp

import "errors"

var (
	errTrackerShuttingDown = errors.New("transport/udp: tracker is shutting down")
	errRequestTimedOut     = errors.New("transport/udp: request timed out")
	errDNSFailed           = errors.New("transport/udp: dns resolution failed")
)
