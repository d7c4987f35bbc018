package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"InboxDigest/internal/domain"
)

// Fingerprint hashes the ordered id sequence. The same ids in another order hash differently.
func Fingerprint(ids []int64) string {
	h := sha256.New()
	for _, id := range ids {
		h.Write([]byte(strconv.FormatInt(id, 10)))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func itemIDs(items []domain.Item) []int64 {
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	return ids
}
