// Package validation holds input checks shared by configuration and the
// command line.
package validation

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

var (
	// Valid interface name: alphanumeric, dash, underscore, dot (for VLANs), max 15 chars
	interfaceNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]{1,15}$`)

	// Network namespace names end up as arguments to ip(8).
	namespaceRegex = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9_.-]*$`)

	// Dangerous characters that should never appear in identifiers
	dangerousChars = []string{";", "|", "&", "$", "`", "(", ")", "<", ">", "\\", "\"", "'", "\n", "\r"}
)

// ValidateInterfaceName validates a network interface name
func ValidateInterfaceName(name string) error {
	if name == "" {
		return fmt.Errorf("interface name cannot be empty")
	}
	if len(name) > 15 {
		return fmt.Errorf("interface name too long (max 15 characters): %s", name)
	}
	if !interfaceNameRegex.MatchString(name) {
		return fmt.Errorf("invalid interface name: %s (must be alphanumeric with -_.)", name)
	}
	return nil
}

// ValidateNamespaceName validates a named network namespace.
func ValidateNamespaceName(name string) error {
	if name == "" {
		return fmt.Errorf("namespace name cannot be empty")
	}
	if len(name) > 255 {
		return fmt.Errorf("namespace name too long (max 255 characters)")
	}
	if !namespaceRegex.MatchString(name) {
		return fmt.Errorf("invalid namespace name: %s (must be alphanumeric with -_.)", name)
	}
	return nil
}

// ValidateHostPort validates a host:port address. The host may be empty
// (all addresses) but the port must be a number in range.
func ValidateHostPort(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	for _, char := range dangerousChars {
		if strings.Contains(host, char) {
			return fmt.Errorf("address contains dangerous character: %s", char)
		}
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("invalid port in %q", addr)
	}
	return ValidatePortNumber(n)
}

// ValidateAllowlist checks if a value is in an allowed list
func ValidateAllowlist(value string, allowed []string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%q is not one of: %s", value, strings.Join(allowed, ", "))
}

// ValidatePortNumber validates a port number
func ValidatePortNumber(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port number: %d (must be 1-65535)", port)
	}
	return nil
}
