package gateway

import (
	"errors"
	"net/url"
	"strings"
)

// Placeholder replaces the backend address in every surfaced error.
const Placeholder = "[backend]"

// Redactor scrubs the real backend address from strings and errors.
// Transport errors embed the full URL and the bare host (DNS failures
// report only the host), so both forms are replaced.
type Redactor struct {
	patterns []string
}

// NewRedactor builds a redactor for the given base URL.
func NewRedactor(baseURL string) *Redactor {
	baseURL = strings.TrimSuffix(baseURL, "/")
	patterns := make([]string, 0, 2)
	if baseURL != "" {
		patterns = append(patterns, baseURL)
		if u, err := url.Parse(baseURL); err == nil && u.Host != "" && u.Host != baseURL {
			patterns = append(patterns, u.Host)
		}
	}
	return &Redactor{patterns: patterns}
}

// String returns s with every occurrence of the backend address replaced.
func (r *Redactor) String(s string) string {
	for _, pattern := range r.patterns {
		s = strings.ReplaceAll(s, pattern, Placeholder)
	}
	return s
}

// Error rebuilds err with a scrubbed message. The original error is
// deliberately not kept as a wrapped cause: a wrapped cause would leak
// the address right back out through %+v or Unwrap.
func (r *Redactor) Error(err error) error {
	if err == nil {
		return nil
	}
	clean := r.String(err.Error())
	if clean == err.Error() {
		return err
	}
	return errors.New(clean)
}
