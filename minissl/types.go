// Package minissl is a deterministic, in-process handshake engine with
// the call surface of libssl: contexts, connections and sessions are
// created and driven through the conventional SSL_* entry points
// published on a symtab table. It negotiates versions and cipher
// suites, derives real key schedules (RFC 5246 PRF for TLS 1.2, RFC
// 8446 HKDF labels for TLS 1.3) and reports secrets through the native
// key log callback when built as a modern engine. No bytes ever touch
// a network; the engine exists to give interposers and their tests a
// faithful engine to sit in front of.
package minissl

import (
	"crypto/sha256"
	"crypto/sha512"
	"hash"
)

// TLS version constants (following Go's crypto/tls conventions).
const (
	VersionTLS12 = 0x0303
	VersionTLS13 = 0x0304
)

// TLS 1.3 cipher suites.
const (
	TLS_AES_128_GCM_SHA256       = 0x1301
	TLS_AES_256_GCM_SHA384       = 0x1302
	TLS_CHACHA20_POLY1305_SHA256 = 0x1303
)

// TLS 1.2 AEAD cipher suites (following Go's crypto/tls constants).
const (
	TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256         = 0xc02f
	TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256       = 0xc02b
	TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384         = 0xc030
	TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384       = 0xc02c
	TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256   = 0xcca8
	TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256 = 0xcca9
)

// The TLS 1.2 master secret is always 48 bytes (RFC 5246 section 8.1).
const masterSecretLength = 48

const masterSecretLabel = "master secret"

// defaultCipherSuites returns the default cipher suites for a TLS
// version.
func defaultCipherSuites(version uint16) []uint16 {
	switch version {
	case VersionTLS13:
		return []uint16{
			TLS_AES_128_GCM_SHA256,
			TLS_AES_256_GCM_SHA384,
			TLS_CHACHA20_POLY1305_SHA256,
		}
	case VersionTLS12:
		return []uint16{
			TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
			TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		}
	default:
		return nil
	}
}

// suiteVersion returns the TLS version a cipher suite belongs to, or 0
// for suites the engine does not know.
func suiteVersion(suite uint16) uint16 {
	switch suite {
	case TLS_AES_128_GCM_SHA256, TLS_AES_256_GCM_SHA384, TLS_CHACHA20_POLY1305_SHA256:
		return VersionTLS13
	case TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256, TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384, TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256, TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256:
		return VersionTLS12
	default:
		return 0
	}
}

// suiteHash returns the PRF/HKDF hash function for a cipher suite.
// SHA-384 for the AES-256-GCM suites, SHA-256 for everything else.
func suiteHash(suite uint16) func() hash.Hash {
	switch suite {
	case TLS_AES_256_GCM_SHA384,
		TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384:
		return sha512.New384
	default:
		return sha256.New
	}
}

// suiteHashSize returns the output size of suiteHash for the suite.
func suiteHashSize(suite uint16) int {
	switch suite {
	case TLS_AES_256_GCM_SHA384,
		TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384:
		return 48
	default:
		return 32
	}
}
