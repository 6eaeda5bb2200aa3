package crypto

import "golang.org/x/crypto/sha3"

// ChecksumLen is the size of a Checksum digest.
const ChecksumLen = 32

// Checksum returns the SHA3-256 digest over the concatenation of parts.
func Checksum(parts ...[]byte) [ChecksumLen]byte {
	h := sha3.New256()
	for _, p := range parts {
		h.Write(p)
	}
	var sum [ChecksumLen]byte
	h.Sum(sum[:0])
	return sum
}
