package mesh

import (
	"fmt"
	"hash/fnv"
	"sort"
)

// GroupFingerprint computes the stable hash over a group's first two
// labels (by join order) used to verify identity on label reclaim.
func GroupFingerprint(firstTwoLabels []string) string {
	labels := append([]string(nil), firstTwoLabels...)
	sort.Strings(labels)
	h := fnv.New64a()
	for _, l := range labels {
		_, _ = h.Write([]byte(l))
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum64())
}
