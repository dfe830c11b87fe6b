package webhook

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignFormat(t *testing.T) {
	sig := Sign("whsec_test", 1767225600, []byte(`{"type":"session.created"}`))
	assert.True(t, strings.HasPrefix(sig, "v1="))
	assert.Len(t, sig, 3+64, "v1= plus hex sha256")

	// Deterministic for identical inputs.
	assert.Equal(t, sig, Sign("whsec_test", 1767225600, []byte(`{"type":"session.created"}`)))

	// Any input change shifts the signature.
	assert.NotEqual(t, sig, Sign("whsec_other", 1767225600, []byte(`{"type":"session.created"}`)))
	assert.NotEqual(t, sig, Sign("whsec_test", 1767225601, []byte(`{"type":"session.created"}`)))
	assert.NotEqual(t, sig, Sign("whsec_test", 1767225600, []byte(`{"type":"session.revoked"}`)))
}

func TestVerifySignature(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	ts := now.Unix()
	body := []byte(`{"id":"evt_1"}`)
	sig := Sign("whsec_test", ts, body)

	require.NoError(t, VerifySignature("whsec_test", sig, ts, body, now))

	// Tampered body, wrong secret, wrong signature.
	assert.Error(t, VerifySignature("whsec_test", sig, ts, []byte(`{"id":"evt_2"}`), now))
	assert.Error(t, VerifySignature("whsec_other", sig, ts, body, now))
	assert.Error(t, VerifySignature("whsec_test", "v1=deadbeef", ts, body, now))
}

func TestVerifySignatureReplayWindow(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	body := []byte(`{}`)

	// Just inside the window passes.
	ts := now.Add(-MaxTimestampSkew + time.Second).Unix()
	assert.NoError(t, VerifySignature("whsec_test", Sign("whsec_test", ts, body), ts, body, now))

	// Stale and future-dated timestamps are both rejected.
	ts = now.Add(-MaxTimestampSkew - time.Second).Unix()
	assert.Error(t, VerifySignature("whsec_test", Sign("whsec_test", ts, body), ts, body, now))
	ts = now.Add(MaxTimestampSkew + time.Second).Unix()
	assert.Error(t, VerifySignature("whsec_test", Sign("whsec_test", ts, body), ts, body, now))
}
