package config

import (
	"fmt"
	"strings"
	"time"

	"grimm.is/nftsync/internal/errors"
	"grimm.is/nftsync/internal/logging"
	"grimm.is/nftsync/internal/validation"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

func (e *ValidationErrors) add(field, format string, args ...any) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks the configuration and resolves duration fields. The
// returned error is KindConfig and wraps ValidationErrors.
func (c *Config) Validate() error {
	var errs ValidationErrors

	c.validateMode(&errs)

	if err := validation.ValidateAllowlist(c.Protocol, []string{ProtocolTCP, ProtocolTLS}); err != nil {
		errs.add("protocol", "%v", err)
	}

	if d, ok := parseDuration(&errs, "idle_timeout", c.IdleTimeout); ok {
		c.idleTimeout = d
	}

	if c.IsServer() {
		c.validateServer(&errs)
	}
	if c.IsClient() {
		c.validateClient(&errs)
	}
	c.validateLog(&errs)

	if c.Metrics != nil {
		if err := validation.ValidateHostPort(c.Metrics.Listen); err != nil {
			errs.add("metrics.listen", "%v", err)
		}
	}

	if len(errs) > 0 {
		return errors.Wrap(errs, errors.KindConfig, "invalid configuration")
	}
	return nil
}

func (c *Config) validateMode(errs *ValidationErrors) {
	if len(c.Mode) == 0 {
		errs.add("mode", "at least one of %q or %q is required", ModeServer, ModeClient)
		return
	}
	seen := make(map[string]bool)
	for _, m := range c.Mode {
		if m != ModeServer && m != ModeClient {
			errs.add("mode", "unknown mode %q", m)
		}
		if seen[m] {
			errs.add("mode", "%q listed twice", m)
		}
		seen[m] = true
	}
}

func (c *Config) validateServer(errs *ValidationErrors) {
	if c.RulesDir == "" {
		errs.add("rules_dir", "required in server mode")
	}
	s := c.Server
	if err := validation.ValidateHostPort(s.Address); err != nil {
		errs.add("server.address", "%v", err)
	}
	if s.Interface != "" {
		if err := validation.ValidateInterfaceName(s.Interface); err != nil {
			errs.add("server.interface", "%v", err)
		}
	}
	if s.NetNS != "" {
		if err := validation.ValidateNamespaceName(s.NetNS); err != nil {
			errs.add("server.netns", "%v", err)
		}
	}
	if s.RateLimit < 0 {
		errs.add("server.rate_limit", "must not be negative")
	}
	if s.MaxConns < 0 {
		errs.add("server.max_connections", "must not be negative")
	}
	if c.UseTLS() {
		validateTLS(errs, "server.tls", s.TLS)
	}
}

func (c *Config) validateClient(errs *ValidationErrors) {
	cl := c.Client
	if cl == nil {
		errs.add("client", "block required in client mode")
		return
	}
	if err := validation.ValidateHostPort(cl.Address); err != nil {
		errs.add("client.address", "%v", err)
	}
	if d, ok := parseDuration(errs, "client.connect_timeout", cl.ConnectTimeout); ok {
		if d == 0 {
			errs.add("client.connect_timeout", "must be positive")
		}
		cl.connectTimeout = d
	}
	if cl.RetryCount() < 0 {
		errs.add("client.retries", "must not be negative")
	}
	if c.UseTLS() {
		validateTLS(errs, "client.tls", cl.TLS)
	}
}

func validateTLS(errs *ValidationErrors, field string, t *TLSConfig) {
	if t == nil {
		errs.add(field, "block required when protocol is %q", ProtocolTLS)
		return
	}
	if t.Cert == "" {
		errs.add(field+".cert", "required")
	}
	if t.Key == "" {
		errs.add(field+".key", "required")
	}
	if t.CA == "" {
		errs.add(field+".ca", "required")
	}
}

func (c *Config) validateLog(errs *ValidationErrors) {
	if c.Log == nil {
		return
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs.add("log.level", "%v", err)
	}
	if s := c.Log.Syslog; s != nil {
		if s.Host == "" {
			errs.add("log.syslog.host", "required")
		}
		if s.Port != 0 {
			if err := validation.ValidatePortNumber(s.Port); err != nil {
				errs.add("log.syslog.port", "%v", err)
			}
		}
		if s.Protocol != "" {
			if err := validation.ValidateAllowlist(s.Protocol, []string{"udp", "tcp"}); err != nil {
				errs.add("log.syslog.protocol", "%v", err)
			}
		}
	}
}

func parseDuration(errs *ValidationErrors, field, s string) (time.Duration, bool) {
	d, err := time.ParseDuration(s)
	if err != nil {
		errs.add(field, "invalid duration %q", s)
		return 0, false
	}
	if d < 0 {
		errs.add(field, "must not be negative")
		return 0, false
	}
	return d, true
}
