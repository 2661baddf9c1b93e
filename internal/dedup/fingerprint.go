package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"hash/fnv"
)

// Fingerprint computes the deterministic digest identifying a logical
// event within a stream. Equal (stream, key) pairs always produce equal
// fingerprints, including redeliveries after reconnect and re-fetched
// backfill overlap.
func Fingerprint(stream, key string) string {
	h := sha256.New()
	h.Write([]byte(stream))
	h.Write([]byte{0}) // separator so ("ab","c") != ("a","bc")
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// shardIndex maps a fingerprint onto one of n cache shards.
func shardIndex(fingerprint string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(fingerprint))
	return int(h.Sum32() % uint32(n))
}
