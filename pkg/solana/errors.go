package solana

import (
	"fmt"
)

// ErrorKind tags why a query failed so callers can classify it without
// looking at raw payloads.
type ErrorKind int

const (
	// KindTransport covers connection resets, refused connections and 5xx responses.
	KindTransport ErrorKind = iota
	// KindTimeout means the per-query deadline elapsed.
	KindTimeout
	// KindMalformed means the response could not be decoded into the expected shape.
	KindMalformed
	// KindNodeRejected means the node answered with a JSON-RPC error.
	KindNodeRejected
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindMalformed:
		return "malformed"
	case KindNodeRejected:
		return "node_rejected"
	default:
		return "unknown"
	}
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Error is returned by every typed query method.
type Error struct {
	Method string
	Kind   ErrorKind
	Code   int
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Method, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient reports whether retrying the same query may succeed.
func (e *Error) Transient() bool {
	switch e.Kind {
	case KindTransport, KindTimeout:
		return true
	case KindNodeRejected:
		return isRetryableError(e.Code)
	default:
		return false
	}
}

func isRetryableError(code int) bool {
	retryableCodes := map[int]bool{
		-32004: true, // Block not available for slot
		-32005: true, // Node is unhealthy
		-32007: true, // Slot skipped or missing due to ledger jump
		-32008: true, // No snapshot
		-32014: true, // Block status not yet available
		-32016: true, // Minimum context slot not reached
	}
	return retryableCodes[code]
}
