package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Signature headers sent with every delivery.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderEventID   = "X-Webhook-Event-Id"
	HeaderEventType = "X-Webhook-Event-Type"
)

// MaxTimestampSkew is the replay-protection window consumers must apply.
const MaxTimestampSkew = 5 * time.Minute

// Sign computes the v1 signature over timestamp || "." || body with the
// webhook's secret.
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return "v1=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature header. Consumers reject
// timestamps older than MaxTimestampSkew; the compare is constant time.
func VerifySignature(secret, signature string, timestamp int64, body []byte, now time.Time) error {
	at := time.Unix(timestamp, 0)
	if now.Sub(at) > MaxTimestampSkew || at.Sub(now) > MaxTimestampSkew {
		return fmt.Errorf("webhook timestamp outside replay window")
	}
	want := Sign(secret, timestamp, body)
	if !hmac.Equal([]byte(signature), []byte(want)) {
		return fmt.Errorf("webhook signature mismatch")
	}
	return nil
}
