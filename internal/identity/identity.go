// Package identity derives rate limiting keys from caller identifiers.
//
// An extractor such as "ip:license" names identifier kinds in order.
// The key for a caller is the value of each kind joined with ":". The key
// is always built from raw values; masking is applied only when a key is
// rendered for logs, metadata, or storage.
package identity

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultExtractor is the identifier extractor used when none is configured.
const DefaultExtractor = "ip:license"

// KindIP is the identifier kind carrying the caller's network address. It is
// always masked.
const KindIP = "ip"

// maskPrefix replaces everything but the last four characters of a masked value.
const maskPrefix = "****."

// Caller is the transport-supplied identity of the peer that sent a request.
type Caller struct {
	// Source identifies where responses for this caller are delivered.
	Source string
	// Identifiers maps a lower-case kind (ip, license, discord, ...) to its value.
	Identifiers map[string]string
}

// Identifier returns the value recorded for kind, or "" if absent.
func (c Caller) Identifier(kind string) string {
	if c.Identifiers == nil {
		return ""
	}
	return c.Identifiers[strings.ToLower(kind)]
}

// Extractor builds identity keys from an ordered list of identifier kinds.
type Extractor struct {
	kinds  []string
	masked map[string]struct{}
}

// ParseExtractor parses a colon-separated kind list. Kinds listed in masked
// are redacted in presentation forms, in addition to KindIP.
func ParseExtractor(raw string, masked ...string) (*Extractor, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("identifier extractor is empty")
	}

	parts := strings.Split(raw, ":")
	kinds := make([]string, 0, len(parts))
	for _, part := range parts {
		kind := strings.ToLower(strings.TrimSpace(part))
		if kind == "" {
			return nil, fmt.Errorf("identifier extractor %q has an empty kind", raw)
		}
		kinds = append(kinds, kind)
	}

	set := map[string]struct{}{KindIP: {}}
	for _, kind := range masked {
		kind = strings.ToLower(strings.TrimSpace(kind))
		if kind != "" {
			set[kind] = struct{}{}
		}
	}

	return &Extractor{kinds: kinds, masked: set}, nil
}

// MustParseExtractor is ParseExtractor for static extractors; it panics on error.
func MustParseExtractor(raw string, masked ...string) *Extractor {
	e, err := ParseExtractor(raw, masked...)
	if err != nil {
		panic(err)
	}
	return e
}

// Kinds returns the identifier kinds in key order.
func (e *Extractor) Kinds() []string {
	return append([]string(nil), e.kinds...)
}

// Key returns the unmasked identity key for c. This is the only form that
// may be used for rate limiting.
func (e *Extractor) Key(c Caller) string {
	return e.build(c, false)
}

// MaskedKey returns the identity key for c with masked kinds redacted.
func (e *Extractor) MaskedKey(c Caller) string {
	return e.build(c, true)
}

// MaskKey redacts a raw key produced by Key. When the key cannot be split
// back into one value per kind unambiguously, the whole key is masked.
func (e *Extractor) MaskKey(key string) string {
	parts := strings.Split(key, ":")
	if len(parts) != len(e.kinds) {
		return MaskValue(key)
	}
	for i, kind := range e.kinds {
		if parts[i] != "" && e.IsMasked(kind) {
			parts[i] = MaskValue(parts[i])
		}
	}
	return strings.Join(parts, ":")
}

// IsMasked reports whether values of kind are redacted in presentation forms.
func (e *Extractor) IsMasked(kind string) bool {
	_, ok := e.masked[strings.ToLower(kind)]
	return ok
}

func (e *Extractor) build(c Caller, mask bool) string {
	values := make([]string, len(e.kinds))
	for i, kind := range e.kinds {
		value := c.Identifier(kind)
		if mask && value != "" && e.IsMasked(kind) {
			value = MaskValue(value)
		}
		values[i] = value
	}
	return strings.Join(values, ":")
}

// MaskValue redacts all but the last four characters of value.
func MaskValue(value string) string {
	if len(value) > 4 {
		value = value[len(value)-4:]
	}
	return maskPrefix + value
}
