package validation

import (
	"fmt"
	"strings"

	"github.com/tunnelmesh/linkwatch/internal/connection"
)

// Record keys understood by the built-in validators.
const (
	KeyKey       = "key"
	KeyPassword  = "password"
	KeyURL       = "url"
	KeyTransport = "transport"
)

// AuthCheck requires both a key and a password.
func AuthCheck() Validator {
	return Func("auth", func(r Record) error {
		if r.Get(KeyKey) == "" {
			return Reject("auth", "No key")
		}
		if r.Get(KeyPassword) == "" {
			return Reject("auth", "No password")
		}
		return nil
	})
}

// URLCheck requires a url that parses as a connection endpoint.
func URLCheck() Validator {
	return Func("url", func(r Record) error {
		raw := r.Get(KeyURL)
		if raw == "" {
			return Reject("url", "No valid URL")
		}
		if _, err := connection.ParseEndpoint(raw); err != nil {
			return Reject("url", fmt.Sprintf("No valid URL: %v", err))
		}
		return nil
	})
}

// Required rejects the first listed field that is empty.
func Required(fields ...string) Validator {
	return Func("required", func(r Record) error {
		for _, f := range fields {
			if strings.TrimSpace(r.Get(f)) == "" {
				return Reject("required", "missing "+f)
			}
		}
		return nil
	})
}

// OneOf rejects a present field whose value is not in allowed. An absent
// field passes; combine with Required to demand it.
func OneOf(field string, allowed ...string) Validator {
	name := "one_of_" + field
	return Func(name, func(r Record) error {
		v := r.Get(field)
		if v == "" {
			return nil
		}
		for _, a := range allowed {
			if v == a {
				return nil
			}
		}
		return Reject(name, fmt.Sprintf("%s must be one of %s, got %q",
			field, strings.Join(allowed, ", "), v))
	})
}

// TransportMatch rejects a record whose transport names a different kind of
// connection than the url scheme. Records missing either field pass.
func TransportMatch() Validator {
	return Func("transport_match", func(r Record) error {
		transport := r.Get(KeyTransport)
		raw := r.Get(KeyURL)
		if transport == "" || raw == "" {
			return nil
		}
		want, err := connection.KindFor(transport)
		if err != nil {
			return nil
		}
		ep, err := connection.ParseEndpoint(raw)
		if err != nil {
			return nil
		}
		if ep.Kind != want {
			return Reject("transport_match", fmt.Sprintf("transport %q does not match url %q", transport, raw))
		}
		return nil
	})
}

// ConnectChain is the chain run on a record before it parameterizes a
// connection attempt: target first, then credentials, then transport kind.
func ConnectChain(opts ...Option) *Chain {
	return NewChain(
		URLCheck(),
		AuthCheck(),
		OneOf(KeyTransport, "tcp", "ws", "wss"),
		TransportMatch(),
	).With(opts...)
}
