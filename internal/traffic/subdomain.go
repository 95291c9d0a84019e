package traffic

import (
	"crypto/rand"
	"encoding/base32"
	"io"
	"strings"
)

// idEncoding is standard base32 without padding, lowercased — every
// character is safe for use in a DNS label with no escaping required. The
// scheme mirrors the teacher's SSH-token generator (crypto/rand + base32),
// just lowercased and truncated to subdomainIDLen instead of a full token.
var idEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// subdomainIDLen is the length of the random suffix appended to a sanitized
// node name to build an http proxy's subdomain (spec §4.3 step 4c).
const subdomainIDLen = 21

// randomLowercaseID returns a cryptographically random, lowercase
// alphanumeric string of length subdomainIDLen.
func randomLowercaseID() string {
	// base32 encodes 5 bits/char; ceil(21*5/8)+1 = 15 bytes encode to 24
	// chars, leaving 3 chars of headroom above subdomainIDLen before truncation.
	b := make([]byte, (subdomainIDLen*5+7)/8+1)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic("traffic: failed to read random bytes: " + err.Error())
	}
	s := strings.ToLower(idEncoding.EncodeToString(b))
	return s[:subdomainIDLen]
}

// sanitizeNodeName lowercases node and replaces every character outside
// [a-z0-9-] with '-', producing a safe DNS-label prefix.
func sanitizeNodeName(node string) string {
	node = strings.ToLower(node)
	var b strings.Builder
	b.Grow(len(node))
	for _, r := range node {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

// GenerateSubdomain builds "{sanitized(nodeName)}-{21-char lowercase id}"
// (spec §4.3 step 4c).
func GenerateSubdomain(nodeName string) string {
	return sanitizeNodeName(nodeName) + "-" + randomLowercaseID()
}
