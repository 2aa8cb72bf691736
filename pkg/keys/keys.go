// Package keys derives fully-qualified cache keys from a service
// identity, an optional namespace, an optional tenant and a logical
// key. It is the single authority for key shape: every store operation
// goes through a Builder so two tenants can never collide on the same
// physical key.
package keys

import (
	"fmt"
	"strings"
)

// Delimiter separates the segments of a fully-qualified key.
const Delimiter = ":"

// Optional segments carry a marker so a namespace can never occupy the
// same physical slot as a tenant. Without the markers the two would be
// indistinguishable bare strings and distinct scoping inputs could
// collide on one key.
const (
	namespaceMarker = "ns"
	tenantMarker    = "t"
)

// InvalidKeyError indicates malformed namespacing input. It is a
// programmer error, fatal to the call, and never retried.
type InvalidKeyError struct {
	Segment string
	Reason  string
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("invalid key segment %q: %s", e.Segment, e.Reason)
}

// Builder builds namespaced keys for one service identity. The service
// identity is fixed for the process lifetime.
type Builder struct {
	service string
}

// NewBuilder creates a key builder for the given service identity.
func NewBuilder(serviceIdentity string) (*Builder, error) {
	if serviceIdentity == "" {
		return nil, &InvalidKeyError{Segment: serviceIdentity, Reason: "service identity must not be empty"}
	}
	if strings.Contains(serviceIdentity, Delimiter) {
		return nil, &InvalidKeyError{Segment: serviceIdentity, Reason: "service identity must not contain the delimiter"}
	}
	return &Builder{service: serviceIdentity}, nil
}

// Service returns the service identity the builder was created with.
func (b *Builder) Service() string {
	return b.service
}

// Option customizes a single key derivation.
type Option func(*keyParts)

type keyParts struct {
	namespace string
	tenantID  string
}

// WithNamespace inserts a namespace segment after the service prefix.
func WithNamespace(namespace string) Option {
	return func(p *keyParts) {
		p.namespace = namespace
	}
}

// WithTenant inserts a tenant segment before the logical key.
func WithTenant(tenantID string) Option {
	return func(p *keyParts) {
		p.tenantID = tenantID
	}
}

// Build derives the fully-qualified key for a logical key. The segment
// order is fixed: service : [ns : namespace :] [t : tenant :]
// logicalKey. Logical keys may contain the delimiter only when escaped
// with a backslash; namespace and tenant segments may not contain it
// at all. The markers keep the mapping injective: a logical key cannot
// start a marker sequence (an unescaped delimiter in it is rejected,
// and an escaped one renders as "\:" rather than ":"), so every
// physical key parses back to exactly one input.
func (b *Builder) Build(logicalKey string, opts ...Option) (string, error) {
	if logicalKey == "" {
		return "", &InvalidKeyError{Segment: logicalKey, Reason: "logical key must not be empty"}
	}
	if err := checkEscaped(logicalKey); err != nil {
		return "", err
	}

	var parts keyParts
	for _, opt := range opts {
		opt(&parts)
	}

	segments := make([]string, 0, 6)
	segments = append(segments, b.service)
	if parts.namespace != "" {
		if strings.Contains(parts.namespace, Delimiter) {
			return "", &InvalidKeyError{Segment: parts.namespace, Reason: "namespace must not contain the delimiter"}
		}
		segments = append(segments, namespaceMarker, parts.namespace)
	}
	if parts.tenantID != "" {
		if strings.Contains(parts.tenantID, Delimiter) {
			return "", &InvalidKeyError{Segment: parts.tenantID, Reason: "tenant id must not contain the delimiter"}
		}
		segments = append(segments, tenantMarker, parts.tenantID)
	}
	segments = append(segments, logicalKey)

	return strings.Join(segments, Delimiter), nil
}

// checkEscaped rejects logical keys containing an unescaped delimiter.
func checkEscaped(logicalKey string) error {
	for i := 0; i < len(logicalKey); i++ {
		if logicalKey[i] != Delimiter[0] {
			continue
		}
		if i == 0 || logicalKey[i-1] != '\\' {
			return &InvalidKeyError{Segment: logicalKey, Reason: "logical key contains an unescaped delimiter"}
		}
	}
	return nil
}
