package respcache

import (
	"crypto/md5"
	"encoding/hex"
)

// ComputeCacheKey returns the exact-match key for a prompt under a model:
// the hex MD5 of "prompt:model".
func ComputeCacheKey(prompt, model string) string {
	sum := md5.Sum([]byte(prompt + ":" + model))
	return hex.EncodeToString(sum[:])
}
