// Package machineerr provides structured, traceable errors for the
// crypto state machine.
package machineerr

import "sync"

// ErrorCodeDefinition defines an error code's properties.
type ErrorCodeDefinition struct {
	Code     string
	Category string
	Severity Severity
	Message  string
	Help     string
}

var (
	registry   = make(map[string]ErrorCodeDefinition)
	registryMu sync.RWMutex
)

// defaultCodes groups codes by the component that raises them.
var defaultCodes = map[string]ErrorCodeDefinition{
	// Olm session errors (OLM-001 to OLM-099)
	"OLM-001": {Code: "OLM-001", Category: "session", Severity: SeverityError,
		Message: "no outbound olm session for device", Help: "claim a one-time key and start a new session"},
	"OLM-002": {Code: "OLM-002", Category: "session", Severity: SeverityError,
		Message: "session wedged", Help: "peer cannot decrypt further messages on this session; a new one must be started"},
	"OLM-003": {Code: "OLM-003", Category: "session", Severity: SeverityWarning,
		Message: "replay detected", Help: "a message key was reused; the event is dropped"},
	"OLM-004": {Code: "OLM-004", Category: "session", Severity: SeverityError,
		Message: "olm ciphertext malformed", Help: "check event shape against m.olm.v1.curve25519-aes-sha2"},
	"OLM-005": {Code: "OLM-005", Category: "session", Severity: SeverityError,
		Message: "unknown olm message type", Help: "only pre-key (0) and normal (1) message types are supported"},

	// Megolm group session errors (MEG-001 to MEG-099)
	"MEG-001": {Code: "MEG-001", Category: "group", Severity: SeverityError,
		Message: "missing room key", Help: "request the session via gossip or wait for a fresh share"},
	"MEG-002": {Code: "MEG-002", Category: "group", Severity: SeverityError,
		Message: "missing outbound group session", Help: "create and share a new outbound session before encrypting"},
	"MEG-003": {Code: "MEG-003", Category: "group", Severity: SeverityWarning,
		Message: "message index behind ratchet", Help: "the sender must have rotated or the event arrived out of order"},
	"MEG-004": {Code: "MEG-004", Category: "group", Severity: SeverityError,
		Message: "megolm ciphertext malformed", Help: "check event shape against m.megolm.v1.aes-sha2"},

	// Cross-signing errors (XSI-001 to XSI-099)
	"XSI-001": {Code: "XSI-001", Category: "identity", Severity: SeverityError,
		Message: "signature invalid", Help: "the signature did not verify against the claimed signing key"},
	"XSI-002": {Code: "XSI-002", Category: "identity", Severity: SeverityError,
		Message: "cross-signing identity not bootstrapped", Help: "call bootstrap_cross_signing before signing"},
	"XSI-003": {Code: "XSI-003", Category: "identity", Severity: SeverityError,
		Message: "unknown signing key", Help: "the identity referenced an unrecognised key ID"},

	// SAS / verification errors (SAS-001 to SAS-099)
	"SAS-001": {Code: "SAS-001", Category: "verification", Severity: SeverityWarning,
		Message: "verification cancelled", Help: "see the cancel code for the reason"},
	"SAS-002": {Code: "SAS-002", Category: "verification", Severity: SeverityError,
		Message: "verification flow in unexpected state", Help: "event arrived for a state transition that is not valid from the current state"},
	"SAS-003": {Code: "SAS-003", Category: "verification", Severity: SeverityError,
		Message: "mac mismatch", Help: "the computed MAC did not match what the peer sent; treat as a failed verification"},

	// Gossip errors (GSP-001 to GSP-099)
	"GSP-001": {Code: "GSP-001", Category: "gossip", Severity: SeverityWarning,
		Message: "gossip request cancelled", Help: "the requester withdrew the request or switched devices"},
	"GSP-002": {Code: "GSP-002", Category: "gossip", Severity: SeverityError,
		Message: "gossip request for unknown room key", Help: "no matching inbound session exists to satisfy the request"},

	// Store / persistence errors (STO-001 to STO-099)
	"STO-001": {Code: "STO-001", Category: "store", Severity: SeverityCritical,
		Message: "store write failed", Help: "check disk space and database file permissions"},
	"STO-002": {Code: "STO-002", Category: "store", Severity: SeverityCritical,
		Message: "store read failed", Help: "the backing database may be corrupted or locked"},
	"STO-003": {Code: "STO-003", Category: "store", Severity: SeverityError,
		Message: "pickle key derivation failed", Help: "check passphrase and stored salt"},

	// Input validation errors (INP-001 to INP-099)
	"INP-001": {Code: "INP-001", Category: "input", Severity: SeverityWarning,
		Message: "input malformed", Help: "the caller passed a value that does not satisfy the operation's preconditions"},
	"INP-002": {Code: "INP-002", Category: "input", Severity: SeverityWarning,
		Message: "unknown algorithm", Help: "the event declared an algorithm this machine does not implement"},
}

func init() {
	for code, def := range defaultCodes {
		registry[code] = def
	}
}

// Register adds or overrides an error code definition.
func Register(def ErrorCodeDefinition) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[def.Code] = def
}

// Lookup retrieves an error code definition, falling back to a generic
// "unknown error" definition when the code was never registered.
func Lookup(code string) ErrorCodeDefinition {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if def, ok := registry[code]; ok {
		return def
	}
	return ErrorCodeDefinition{
		Code:     code,
		Category: "unknown",
		Severity: SeverityError,
		Message:  "unknown error",
		Help:     "no additional help available for this error code",
	}
}

// CodesByCategory returns all codes in a given category.
func CodesByCategory(category string) []ErrorCodeDefinition {
	registryMu.RLock()
	defer registryMu.RUnlock()

	var result []ErrorCodeDefinition
	for _, def := range registry {
		if def.Category == category {
			result = append(result, def)
		}
	}
	return result
}
