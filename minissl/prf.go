package minissl

import (
	"crypto/hmac"
	"hash"
)

// TLS 1.2 PRF, RFC 5246 section 5 (HMAC and the Pseudorandom Function).

// pHash implements the P_hash function:
//
//	P_hash(secret, seed) = HMAC_hash(secret, A(1) + seed) +
//	                       HMAC_hash(secret, A(2) + seed) + ...
//
// where A(0) = seed and A(i) = HMAC_hash(secret, A(i-1)).
func pHash(hashFunc func() hash.Hash, secret, seed []byte, length int) []byte {
	h := hmac.New(hashFunc, secret)
	h.Write(seed)
	a := h.Sum(nil) // A(1)

	result := make([]byte, 0, length)
	for len(result) < length {
		h.Reset()
		h.Write(a)
		h.Write(seed)
		b := h.Sum(nil)

		todo := len(b)
		if len(result)+todo > length {
			todo = length - len(result)
		}
		result = append(result, b[:todo]...)

		// A(i+1)
		h.Reset()
		h.Write(a)
		a = h.Sum(nil)
	}

	return result
}

// prf is the TLS 1.2 PRF: P_SHA256(secret, label + seed) for SHA-256
// based suites, P_SHA384 for SHA-384 based ones.
func prf(suite uint16, secret []byte, label string, seed []byte, length int) []byte {
	labelSeed := make([]byte, 0, len(label)+len(seed))
	labelSeed = append(labelSeed, label...)
	labelSeed = append(labelSeed, seed...)

	return pHash(suiteHash(suite), secret, labelSeed, length)
}
