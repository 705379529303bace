package aepadapter

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"sort"
	"strings"
)

// Sign computes the AEP request signature: HMAC-SHA1 keyed by the app secret
// over the application, timestamp, sorted signed params and body, base64 encoded.
func Sign(appKey, appSecret, timestamp string, params map[string]string, body []byte) string {
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("application:" + appKey + "\n")
	b.WriteString("timestamp:" + timestamp + "\n")
	for _, key := range keys {
		b.WriteString(key + ":" + params[key] + "\n")
	}
	if len(body) > 0 {
		b.Write(body)
		b.WriteString("\n")
	}

	mac := hmac.New(sha1.New, []byte(appSecret))
	_, _ = mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
