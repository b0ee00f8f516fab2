// Package target implements the normalized scan target value object.
package target

import (
	"fmt"
	"net"
	"strings"

	"golang.org/x/net/idna"

	"github.com/xkilldash9x/hostaudit/api/schemas"
)

const (
	maxHostLength  = 253
	maxLabelLength = 63
)

// Target is a validated, normalized host. The zero value is not valid.
type Target struct {
	host string
	ip   bool
}

// Parse normalizes raw and validates the result. Normalization lower-cases the
// input and strips the scheme, credentials, port, path, a leading "www." and a
// trailing dot. Internationalized names are converted to their ASCII form.
func Parse(raw string) (Target, error) {
	host := Normalize(raw)
	if host == "" {
		return Target{}, fmt.Errorf("%w: empty host in %q", schemas.ErrInvalidTarget, raw)
	}

	if ip := net.ParseIP(host); ip != nil {
		return Target{host: ip.String(), ip: true}, nil
	}

	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %q: %v", schemas.ErrInvalidTarget, raw, err)
	}
	if err := validateHostname(ascii); err != nil {
		return Target{}, fmt.Errorf("%w: %q: %v", schemas.ErrInvalidTarget, raw, err)
	}
	return Target{host: ascii}, nil
}

// MustParse is Parse for tests and constants. It panics on invalid input.
func MustParse(raw string) Target {
	t, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return t
}

// Normalize applies the textual normalization without validating.
func Normalize(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	s = stripPort(s)
	s = strings.TrimSuffix(s, ".")
	s = strings.TrimPrefix(s, "www.")
	return s
}

func stripPort(s string) string {
	if strings.HasPrefix(s, "[") {
		if end := strings.Index(s, "]"); end > 0 {
			return s[1:end]
		}
		return s
	}
	// A bare IPv6 literal carries several colons and no port.
	if strings.Count(s, ":") == 1 {
		return s[:strings.Index(s, ":")]
	}
	return s
}

func validateHostname(host string) error {
	if len(host) > maxHostLength {
		return fmt.Errorf("host exceeds %d characters", maxHostLength)
	}
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return fmt.Errorf("host %q has no domain suffix", host)
	}
	for _, label := range labels {
		if label == "" {
			return fmt.Errorf("host %q contains an empty label", host)
		}
		if len(label) > maxLabelLength {
			return fmt.Errorf("label %q exceeds %d characters", label, maxLabelLength)
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return fmt.Errorf("label %q starts or ends with a hyphen", label)
		}
		for _, r := range label {
			if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
				return fmt.Errorf("label %q contains invalid character %q", label, r)
			}
		}
	}
	return nil
}

// String returns the normalized host.
func (t Target) String() string { return t.host }

// IsIP reports whether the target is an IP literal.
func (t Target) IsIP() bool { return t.ip }

// IsZero reports whether t was never successfully parsed.
func (t Target) IsZero() bool { return t.host == "" }

// Equal compares two targets case-insensitively on their normalized form.
func (t Target) Equal(o Target) bool { return strings.EqualFold(t.host, o.host) }
