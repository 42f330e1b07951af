package llm

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

// CacheKey identifies a decomposition request independent of which goal asked
// for it. Title case and surrounding whitespace do not change the key.
func CacheKey(title, category, difficulty string, n int) string {
	norm := strings.Join([]string{
		strings.ToLower(strings.Join(strings.Fields(title), " ")),
		strings.ToLower(strings.TrimSpace(category)),
		strings.ToLower(strings.TrimSpace(difficulty)),
		strconv.Itoa(n),
	}, "\x00")
	sum := blake3.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}
