package minissl

import (
	"bytes"
	"encoding/hex"
	"testing"
)

// TestPRF tests the TLS 1.2 PRF across the hash families the engine
// negotiates.
func TestPRF(t *testing.T) {
	testCases := []struct {
		name        string
		cipherSuite uint16
		secret      string
		label       string
		seed        string
		length      int
	}{
		{
			name:        "AES-128-GCM with SHA-256",
			cipherSuite: TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			secret:      "0123456789abcdef0123456789abcdef",
			label:       "test label",
			seed:        "fedcba9876543210fedcba9876543210",
			length:      32,
		},
		{
			name:        "AES-256-GCM with SHA-384",
			cipherSuite: TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			secret:      "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
			label:       "master secret",
			seed:        "fedcba9876543210fedcba9876543210fedcba9876543210fedcba9876543210",
			length:      48,
		},
		{
			name:        "output longer than one hash block",
			cipherSuite: TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			secret:      "9bbe436ba940f017b17652849a71db35",
			label:       "key expansion",
			seed:        "a0ba9f936cda311827a6f796ffd5198c",
			length:      100,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			secret, _ := hex.DecodeString(tc.secret)
			seed, _ := hex.DecodeString(tc.seed)

			result := prf(tc.cipherSuite, secret, tc.label, seed, tc.length)

			if len(result) != tc.length {
				t.Errorf("Expected length %d, got %d", tc.length, len(result))
			}

			// Same inputs must give same output
			result2 := prf(tc.cipherSuite, secret, tc.label, seed, tc.length)
			if !bytes.Equal(result, result2) {
				t.Error("PRF is not deterministic - same inputs gave different outputs")
			}

			allZeros := make([]byte, tc.length)
			if bytes.Equal(result, allZeros) {
				t.Error("PRF output is all zeros, which is suspicious")
			}

			t.Logf("✅ %s: Generated %d bytes PRF output", tc.name, len(result))
		})
	}
}

// TestPRFInputSensitivity verifies that every input changes the output.
func TestPRFInputSensitivity(t *testing.T) {
	secret, _ := hex.DecodeString("9bbe436ba940f017b17652849a71db35")
	seed, _ := hex.DecodeString("a0ba9f936cda311827a6f796ffd5198c")

	base := prf(TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256, secret, "test label", seed, 48)

	otherSecret := append([]byte{}, secret...)
	otherSecret[0] ^= 0x01
	if bytes.Equal(base, prf(TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256, otherSecret, "test label", seed, 48)) {
		t.Error("Changing the secret did not change the output")
	}

	if bytes.Equal(base, prf(TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256, secret, "other label", seed, 48)) {
		t.Error("Changing the label did not change the output")
	}

	otherSeed := append([]byte{}, seed...)
	otherSeed[len(otherSeed)-1] ^= 0x80
	if bytes.Equal(base, prf(TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256, secret, "test label", otherSeed, 48)) {
		t.Error("Changing the seed did not change the output")
	}

	// A SHA-384 suite must use a different hash family entirely
	if bytes.Equal(base, prf(TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384, secret, "test label", seed, 48)) {
		t.Error("SHA-256 and SHA-384 suites produced identical output")
	}

	t.Logf("✅ PRF output depends on secret, label, seed and hash family")
}
