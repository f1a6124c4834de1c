package conn

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
)

// digestResponse computes the RFC 2617 MD5 digest response for one request.
func digestResponse(username, realm, password, nonce, method, uri string) string {
	ha1 := md5hex(fmt.Sprintf("%s:%s:%s", username, realm, password))
	ha2 := md5hex(fmt.Sprintf("%s:%s", method, uri))
	return md5hex(fmt.Sprintf("%s:%s:%s", ha1, nonce, ha2))
}

// digestHeader builds the Authorization header value for a digest challenge.
func digestHeader(username, realm, password, nonce, method, uri string) string {
	return fmt.Sprintf(
		`Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
		username, realm, nonce, uri,
		digestResponse(username, realm, password, nonce, method, uri))
}

// parseDigestChallenge extracts realm and nonce from a WWW-Authenticate
// header value.
func parseDigestChallenge(header string) (realm, nonce string, ok bool) {
	if !strings.HasPrefix(header, "Digest ") {
		return "", "", false
	}
	for _, part := range strings.Split(header[len("Digest "):], ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		value = strings.Trim(value, `"`)
		switch strings.ToLower(key) {
		case "realm":
			realm = value
		case "nonce":
			nonce = value
		}
	}
	return realm, nonce, nonce != ""
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
