package wsecurity

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sysmanage/sysmanage-server/common/crypto"
	"github.com/sysmanage/sysmanage-server/internal/server/faults"
)

// sensitiveMaxAge bounds how long a wrapped payload stays acceptable.
const sensitiveMaxAge = time.Hour

type sensitiveWrapper struct {
	Data      string `json:"data"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
}

// WrapSensitive signs and timestamps a config-bearing payload for transport.
func (t *Tokens) WrapSensitive(data string) (string, error) {
	w := sensitiveWrapper{
		Data:      data,
		Signature: crypto.SignHMAC(t.secret, []byte(data)),
		Timestamp: t.now().Unix(),
	}
	blob, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("failed to encode sensitive payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

// UnwrapSensitive verifies and opens a wrapped payload. Rejected when the
// signature does not match or the payload is older than an hour.
func (t *Tokens) UnwrapSensitive(encoded string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", faults.New(faults.InvalidInput, "malformed sensitive payload")
	}
	var w sensitiveWrapper
	if err := json.Unmarshal(blob, &w); err != nil {
		return "", faults.New(faults.InvalidInput, "malformed sensitive payload")
	}

	if !crypto.VerifyHMAC(t.secret, []byte(w.Data), w.Signature) {
		return "", faults.New(faults.Unauthenticated, "sensitive payload signature mismatch")
	}
	if t.now().Unix()-w.Timestamp > int64(sensitiveMaxAge.Seconds()) {
		return "", faults.New(faults.Unauthenticated, "sensitive payload expired")
	}
	return w.Data, nil
}
