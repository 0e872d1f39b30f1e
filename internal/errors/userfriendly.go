package errors

import (
	"fmt"
	"strings"
)

// UserFriendlyError provides user-friendly error messages with context and hints
type UserFriendlyError struct {
	Message string
	Reason  string
	Hint    string
	Try     string
	Err     error
}

func (e UserFriendlyError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Message)
	if e.Reason != "" {
		buf.WriteString("\n  Reason: " + e.Reason)
	}
	if e.Hint != "" {
		buf.WriteString("\n  Hint: " + e.Hint)
	}
	if e.Try != "" {
		buf.WriteString("\n  Try: " + e.Try)
	}
	if e.Err != nil {
		buf.WriteString("\n  Details: " + e.Err.Error())
	}
	return buf.String()
}

func (e UserFriendlyError) Unwrap() error {
	return e.Err
}

// WrapSocketError wraps raw-socket errors with user-friendly context
func WrapSocketError(err error, iface string) error {
	if err == nil {
		return nil
	}

	return UserFriendlyError{
		Message: fmt.Sprintf("Failed to open raw socket on interface %s", iface),
		Reason:  extractSocketReason(err),
		Hint:    "Raw Ethernet access requires elevated privileges (root or CAP_NET_RAW)",
		Try:     "pnetctl interfaces",
		Err:     err,
	}
}

// WrapRPCError wraps PROFINET RPC errors with user-friendly context
func WrapRPCError(err error, operation, station string) error {
	if err == nil {
		return nil
	}

	return UserFriendlyError{
		Message: fmt.Sprintf("PROFINET operation failed: %s on %q", operation, station),
		Reason:  extractRPCReason(err),
		Hint:    "The device may be connected to another controller, or its configured station name may differ",
		Try:     "pnetctl discover",
		Err:     err,
	}
}

// WrapConfigError wraps configuration errors with user-friendly context
func WrapConfigError(err error, configPath string) error {
	if err == nil {
		return nil
	}

	return UserFriendlyError{
		Message: fmt.Sprintf("Configuration error in %s", configPath),
		Reason:  err.Error(),
		Hint:    "Check the YAML structure against the example configuration",
		Try:     fmt.Sprintf("pnetctl run --config %s --dry-run", configPath),
		Err:     err,
	}
}

func extractSocketReason(err error) string {
	errStr := err.Error()

	if strings.Contains(errStr, "permission") || strings.Contains(errStr, "operation not permitted") {
		return "Insufficient privileges for raw packet capture"
	}
	if strings.Contains(errStr, "no such device") || strings.Contains(errStr, "not found") {
		return "Interface does not exist or is not capture-capable"
	}
	if strings.Contains(errStr, "device is not up") {
		return "Interface is down"
	}

	return "Raw socket setup failed"
}

func extractRPCReason(err error) string {
	errStr := err.Error()

	if Is(err, KindTimeout) || strings.Contains(errStr, "timeout") {
		return "Device did not respond within timeout period"
	}
	if strings.Contains(errStr, "status 0x") {
		return "Device returned a PNIO error status code"
	}
	if Is(err, KindTruncated) || Is(err, KindProtocol) {
		return "Received invalid or malformed response from device"
	}
	if Is(err, KindNotFound) {
		return "No such station or application relationship"
	}

	return "PROFINET protocol error occurred"
}
