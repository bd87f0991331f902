// Package doctor validates hookrelay configuration beyond what Load enforces.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/mattjoyce/hookrelay/internal/config"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg *config.Config
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// minSecretLen is the length below which a shared secret is flagged as weak.
const minSecretLen = 16

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateServiceConfig(r)
	d.validateListener(r)
	d.validateChannels(r)
	d.validateMatrix(r)
	d.validateTLS(r)
	d.warnWeakSecret(r)
	d.warnMissingEnvVars(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateServiceConfig(r *Result) {
	switch strings.ToLower(d.cfg.Service.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		d.addWarning(r, "service", "service.log_level",
			fmt.Sprintf("unknown log level %q, falling back to info", d.cfg.Service.LogLevel))
	}
	switch strings.ToLower(d.cfg.Service.LogFormat) {
	case "", "json", "text":
	default:
		d.addWarning(r, "service", "service.log_format",
			fmt.Sprintf("unknown log format %q, falling back to json", d.cfg.Service.LogFormat))
	}
}

func (d *Doctor) validateListener(r *Result) {
	if _, _, err := net.SplitHostPort(d.cfg.Listen); err != nil {
		d.addError(r, "listen", "listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.Listen, err))
	}
	if d.cfg.RateLimitPerMin < 0 {
		d.addWarning(r, "listen", "rate_limit_per_min", "per-client rate limiting is disabled")
	}
}

// validateChannels checks room identifiers and that every path is routable.
func (d *Doctor) validateChannels(r *Result) {
	if len(d.cfg.Channels) == 0 {
		d.addError(r, "channels", "channels", "no channels configured")
		return
	}

	paths := make([]string, 0, len(d.cfg.Channels))
	for path := range d.cfg.Channels {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		room := d.cfg.Channels[path]
		field := fmt.Sprintf("channels[%q]", path)

		if !IsRoomReference(room) {
			d.addError(r, "channels", field,
				fmt.Sprintf("room %q is neither a room ID (!id:server) nor an alias (#alias:server)", room))
		}
		if strings.Contains(path, "/") {
			d.addError(r, "channels", field,
				fmt.Sprintf("path %q spans several segments and can never be matched", path))
		}
	}

	if _, ok := d.cfg.Channels[""]; !ok {
		d.addWarning(r, "channels", "channels",
			"no root channel configured; POST / will answer 404")
	}
}

// IsRoomReference reports whether s looks like a Matrix room ID or alias.
func IsRoomReference(s string) bool {
	if len(s) < 4 || (s[0] != '!' && s[0] != '#') {
		return false
	}
	i := strings.IndexByte(s, ':')
	return i > 1 && i < len(s)-1
}

func (d *Doctor) validateMatrix(r *Result) {
	m := d.cfg.Matrix

	if u, err := url.Parse(m.Homeserver); err == nil && u.Scheme == "http" {
		host := u.Hostname()
		if host != "localhost" && host != "127.0.0.1" && host != "::1" {
			d.addWarning(r, "matrix", "matrix.homeserver",
				"homeserver uses plain http; credentials and messages travel unencrypted")
		}
	}

	if m.User != "" && (!strings.HasPrefix(m.User, "@") || !strings.Contains(m.User, ":")) {
		d.addWarning(r, "matrix", "matrix.user",
			fmt.Sprintf("user %q is not a full Matrix ID (@user:server); the homeserver will qualify it", m.User))
	}
	if m.AccessToken != "" && m.Password != "" {
		d.addWarning(r, "matrix", "matrix.password", "both access_token and password set; password is ignored")
	}
	if m.Timeout <= 0 {
		d.addError(r, "matrix", "matrix.timeout", "timeout must be positive")
	}
	switch {
	case m.DeliveryTimeout <= 0:
		d.addError(r, "matrix", "matrix.delivery_timeout", "delivery_timeout must be positive")
	case m.DeliveryTimeout < m.Timeout:
		d.addWarning(r, "matrix", "matrix.delivery_timeout",
			fmt.Sprintf("delivery_timeout %s is shorter than timeout %s", m.DeliveryTimeout, m.Timeout))
	}
}

func (d *Doctor) validateTLS(r *Result) {
	t := d.cfg.TLS
	if t.LetsEncrypt && t.CertFile != "" {
		d.addWarning(r, "tls", "tls.cert_file", "letsencrypt enabled; cert_file and key_file are ignored")
	}
	if !t.LetsEncrypt && t.CertFile != "" {
		for field, path := range map[string]string{"tls.cert_file": t.CertFile, "tls.key_file": t.KeyFile} {
			if _, err := os.Stat(path); err != nil {
				d.addError(r, "tls", field, fmt.Sprintf("cannot read %s: %v", path, err))
			}
		}
	}
	if t.LetsEncrypt {
		if _, port, err := net.SplitHostPort(d.cfg.Listen); err == nil && port != "443" {
			d.addWarning(r, "tls", "listen",
				fmt.Sprintf("letsencrypt certificates are issued for port 443 but listen is %q", d.cfg.Listen))
		}
	}
}

func (d *Doctor) warnWeakSecret(r *Result) {
	if s := d.cfg.Secret; s != "" && len(s) < minSecretLen && !config.HasUnresolvedEnv(s) {
		d.addWarning(r, "secret", "secret",
			fmt.Sprintf("secret is shorter than %d characters", minSecretLen))
	}
}

// warnMissingEnvVars warns about ${VAR} references that survived interpolation.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	check := func(field, value string) {
		for _, name := range config.UnresolvedEnvVars(value) {
			if os.Getenv(name) == "" {
				d.addWarning(r, "env_vars", field,
					fmt.Sprintf("environment variable ${%s} not set", name))
			}
		}
	}

	check("secret", d.cfg.Secret)
	check("matrix.homeserver", d.cfg.Matrix.Homeserver)
	check("matrix.user", d.cfg.Matrix.User)
	check("matrix.password", d.cfg.Matrix.Password)
	check("matrix.access_token", d.cfg.Matrix.AccessToken)
	for path, room := range d.cfg.Channels {
		check(fmt.Sprintf("channels[%q]", path), room)
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
