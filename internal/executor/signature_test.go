package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignAndVerify(t *testing.T) {
	secret := "whsec_test_secret"
	body := []byte(`{"event_type":"payment.succeeded","payload":{"amount":100}}`)

	sig := Sign(secret, body)
	assert.Len(t, sig, 64) // hex-encoded SHA-256
	assert.True(t, Verify(secret, body, sig))
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	secret := "whsec_test_secret"
	body := []byte(`{"amount":100}`)

	sig := Sign(secret, body)
	assert.False(t, Verify(secret, []byte(`{"amount":999}`), sig))
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"amount":100}`)

	sig := Sign("secret-a", body)
	assert.False(t, Verify("secret-b", body, sig))
}

func TestVerifyRejectsBadEncoding(t *testing.T) {
	assert.False(t, Verify("secret", []byte("body"), "not-hex"))
}

func TestSignIsDeterministic(t *testing.T) {
	body := []byte(`{"amount":100}`)
	assert.Equal(t, Sign("secret", body), Sign("secret", body))
}
