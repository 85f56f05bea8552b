// Package bbrerrors defines the typed error values raised across the
// Backbone Border Router engine (spec.md §7).
package bbrerrors

import "fmt"

// ProtocolError represents a malformed or non-conformant CoAP payload:
// a missing required sub-TLV, a bad length, or an address that fails
// validation. Resource handlers translate these into a status TLV for
// confirmable requests, and into a silent drop for NON/multicast ones.
type ProtocolError struct {
	URI     string
	Reason  string
	Wrapped error
}

func (e *ProtocolError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("protocol error on %s: %s: %v", e.URI, e.Reason, e.Wrapped)
	}
	return fmt.Sprintf("protocol error on %s: %s", e.URI, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Wrapped }

// TransportError represents a failure to send or receive on a socket
// (CoAP, ICMPv6, multicast-route, or syslog). Per spec.md §7(6), these
// are logged and the caller proceeds — a DAD cycle is never cut short
// by a single transport failure.
type TransportError struct {
	Op      string
	Addr    string
	Wrapped error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s to %s: %v", e.Op, e.Addr, e.Wrapped)
}

func (e *TransportError) Unwrap() error { return e.Wrapped }

// ConfigError represents a rejected config-store mutation: unknown
// key, failed validator, or a persistent snapshot write failure.
type ConfigError struct {
	Key     string
	Reason  string
	Wrapped error
}

func (e *ConfigError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("config error on %s: %s: %v", e.Key, e.Reason, e.Wrapped)
	}
	return fmt.Sprintf("config error on %s: %s", e.Key, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Wrapped }

// StartupError represents a fatal resource-acquisition failure at task
// start (raw socket bind, multicast-route socket init). The supervisor
// marks the owning task errored and propagates a stop to dependents.
type StartupError struct {
	Task    string
	Wrapped error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("task %q failed to start: %v", e.Task, e.Wrapped)
}

func (e *StartupError) Unwrap() error { return e.Wrapped }
