package provider

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

type Kind int

const (
	KindConfig Kind = iota + 1
	KindAuth
	KindTransient
	KindExhausted
	KindPartial
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindAuth:
		return "auth"
	case KindTransient:
		return "transient"
	case KindExhausted:
		return "exhausted"
	case KindPartial:
		return "partial"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is the single error type the provider layer returns. Composite
// failures keep the nested errors in Details under original_error,
// primary_error or fallback_error; they stay reachable through errors.Is/As.
type Error struct {
	Kind     Kind
	Provider string
	Message  string
	Attempts int
	Details  map[string]any
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(e.Provider)
	b.WriteString("] ")
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if nested := e.detailErrors(); len(nested) > 0 {
		b.WriteString(" (")
		for i, d := range nested {
			if i > 0 {
				b.WriteString("; ")
			}
			b.WriteString(d.key)
			b.WriteString(": ")
			b.WriteString(d.err.Error())
		}
		b.WriteString(")")
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	var errs []error
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	for _, d := range e.detailErrors() {
		errs = append(errs, d.err)
	}
	return errs
}

type detailError struct {
	key string
	err error
}

// detailErrors returns the error values held in Details, by sorted key.
func (e *Error) detailErrors() []detailError {
	keys := make([]string, 0, len(e.Details))
	for k := range e.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []detailError
	for _, k := range keys {
		if err, ok := e.Details[k].(error); ok {
			out = append(out, detailError{k, err})
		}
	}
	return out
}

// KindOf returns the Kind of the outermost *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}

func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

// MissingKey is the Config-kind error for an adapter constructed without a
// credential.
func MissingKey(provider, envVar string) *Error {
	return &Error{
		Kind:     KindConfig,
		Provider: provider,
		Message:  fmt.Sprintf("set %s or add an api_key to providers.yaml", envVar),
		Err:      ErrAPIKeyRequired,
	}
}

const maxBodyInError = 300

// StatusError classifies a non-2xx HTTP response. 401 and 403 are
// authentication failures and are never retried.
func StatusError(provider string, status int, body []byte) *Error {
	text := strings.TrimSpace(string(body))
	if len(text) > maxBodyInError {
		text = text[:maxBodyInError] + "..."
	}

	e := &Error{
		Kind:     KindTransient,
		Provider: provider,
		Message:  fmt.Sprintf("request failed with status %d", status),
		Details:  map[string]any{"status": status, "body": text},
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		e.Kind = KindAuth
		e.Message = fmt.Sprintf("authentication failed (status %d)", status)
	}
	if text != "" {
		e.Message += ": " + text
	}
	return e
}

// NoImages is the Partial-kind error for a call that completed but yielded
// nothing usable. failures holds the per-image download errors, if any.
func NoImages(provider string, failures []string) *Error {
	e := &Error{
		Kind:     KindPartial,
		Provider: provider,
		Message:  "response contained no usable images",
		Err:      ErrNoImages,
	}
	if len(failures) > 0 {
		e.Details = map[string]any{"failures": failures}
	}
	return e
}
