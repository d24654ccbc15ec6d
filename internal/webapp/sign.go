package webapp

import (
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// Sign computes the platform-side signature over the given parameters and
// returns the full URL-encoded initData string including the hash. The
// server never calls this in production (the platform signs); it exists
// for tests and local tooling that need well-formed attestations.
func Sign(params map[string]string, botToken string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "hash" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+params[k])
	}
	secret := hmacSHA256([]byte("WebAppData"), []byte(botToken))
	hash := hex.EncodeToString(hmacSHA256(secret, []byte(strings.Join(lines, "\n"))))

	values := url.Values{}
	for _, k := range keys {
		values.Set(k, params[k])
	}
	values.Set("hash", hash)
	return values.Encode()
}
