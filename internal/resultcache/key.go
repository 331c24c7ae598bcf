package resultcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
)

// credentialParams never reach the key, so identical content sent with
// different credentials lands on the same entry.
var credentialParams = map[string]bool{
	"api_key":       true,
	"apikey":        true,
	"authorization": true,
	"token":         true,
	"access_token":  true,
	"session":       true,
	"session_id":    true,
	"password":      true,
	"secret":        true,
}

// Key derives the cache key for a generation request. Params are
// serialized canonically (sorted object keys at every depth), credential
// fields are dropped at the top level, and the response shape (stream)
// is part of the key.
func Key(serviceType string, params map[string]any, stream bool) string {
	clean := make(map[string]any, len(params))
	for k, v := range params {
		if credentialParams[strings.ToLower(k)] {
			continue
		}
		clean[k] = v
	}

	// encoding/json sorts map keys, which makes the encoding canonical.
	body, err := json.Marshal(clean)
	if err != nil {
		// Unencodable params (channels, funcs) never come from a JSON body;
		// fall back to the error text so the key is still stable.
		body = []byte("!" + err.Error())
	}

	h := sha256.New()
	h.Write([]byte(serviceType))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatBool(stream)))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
