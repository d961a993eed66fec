package ecpay

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

const signatureField = "CheckMacValue"

// dotNetUnescapes reverses the percent-encodings that the gateway's
// reference implementation leaves as literal characters. Applied after
// lower-casing; applying it before produces a different digest and is the
// single most common cause of signature mismatch.
var dotNetUnescapes = strings.NewReplacer(
	"%2d", "-",
	"%5f", "_",
	"%2e", ".",
	"%21", "!",
	"%2a", "*",
	"%28", "(",
	"%29", ")",
)

// Codec computes the gateway CheckMacValue over a parameter set.
type Codec struct {
	hashKey string
	hashIV  string
}

func NewCodec(hashKey, hashIV string) Codec {
	return Codec{hashKey: hashKey, hashIV: hashIV}
}

// Sign computes the signature for params. The signature field itself is
// ignored if present.
func (c Codec) Sign(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for key := range params {
		if key == signatureField {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+params[key])
	}

	raw := "HashKey=" + c.hashKey + "&" + strings.Join(pairs, "&") + "&HashIV=" + c.hashIV
	encoded := strings.ToLower(url.QueryEscape(raw))
	encoded = dotNetUnescapes.Replace(encoded)

	sum := sha256.Sum256([]byte(encoded))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// Verify recomputes the signature and compares in constant time.
func (c Codec) Verify(params map[string]string, signature string) bool {
	signature = strings.ToUpper(strings.TrimSpace(signature))
	if signature == "" {
		return false
	}
	expected := c.Sign(params)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
