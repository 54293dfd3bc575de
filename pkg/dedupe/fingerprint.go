package dedupe

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// DefaultInvokeMethods are the JSON-RPC methods whose requests are coalesced.
var DefaultInvokeMethods = []string{"tools/call"}

// mutatingMethods are the HTTP verbs eligible for coalescing. Reads are
// already idempotent and always pass through.
var mutatingMethods = map[string]bool{
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// RequestInfo is the part of an inbound request the fingerprint is built from.
type RequestInfo struct {
	Method     string
	RequestURI string     // path + raw query, as received
	Query      url.Values // parsed query
	Body       []byte     // raw JSON body
	Credential string     // raw Authorization header; empty means none
}

// fingerprintRecord fixes the field order of the hashed document.
// The order matters: it is part of the key.
type fingerprintRecord struct {
	Method        string          `json:"method"`
	URL           string          `json:"url"`
	Body          json.RawMessage `json:"body"`
	Query         url.Values      `json:"query"`
	Authorization *string         `json:"authorization"`
}

// Fingerprinter decides eligibility and computes keys.
type Fingerprinter struct {
	invokeMethods map[string]bool
}

// NewFingerprinter creates a Fingerprinter that accepts requests whose JSON
// body carries one of the given "method" values. An empty list means
// DefaultInvokeMethods.
func NewFingerprinter(invokeMethods []string) *Fingerprinter {
	if len(invokeMethods) == 0 {
		invokeMethods = DefaultInvokeMethods
	}
	m := make(map[string]bool, len(invokeMethods))
	for _, name := range invokeMethods {
		m[name] = true
	}
	return &Fingerprinter{invokeMethods: m}
}

// Eligible reports whether a request should be coalesced at all: a mutating
// verb and a body whose top-level "method" is an invoke marker.
func (f *Fingerprinter) Eligible(method string, body []byte) bool {
	if !mutatingMethods[method] {
		return false
	}
	if len(body) == 0 {
		return false
	}
	var marker struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(body, &marker); err != nil {
		return false
	}
	return f.invokeMethods[marker.Method]
}

// Key returns the hex SHA-256 of the canonical record for req.
//
// The body is compacted but its key order is kept as sent. Two bodies that
// differ only in the order of object keys produce different keys.
func (f *Fingerprinter) Key(req RequestInfo) (string, error) {
	var body bytes.Buffer
	if err := json.Compact(&body, req.Body); err != nil {
		return "", fmt.Errorf("compacting body: %w", err)
	}

	query := req.Query
	if query == nil {
		query = url.Values{}
	}

	rec := fingerprintRecord{
		Method: req.Method,
		URL:    req.RequestURI,
		Body:   body.Bytes(),
		Query:  query,
	}
	if req.Credential != "" {
		cred := req.Credential
		rec.Authorization = &cred
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encoding fingerprint record: %w", err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
