package store

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
)

// ContentHash returns the hex SHA-256 of a document's bytes.
func ContentHash(content []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(content))
}

// ComputeRulesHash computes a deterministic hash of everything that decides
// whether a document would change. List order does not affect the hash;
// script sources are hashed by label and content, Go predicates by key.
func ComputeRulesHash(
	testMarkers, basePrefixes []string,
	exclusionMarker, attribute string,
	scripts map[string]string,
	predicateKeys []string,
) string {
	h := sha256.New()

	fmt.Fprintf(h, "exclusion:%s\n", exclusionMarker)
	fmt.Fprintf(h, "attribute:%s\n", attribute)

	fmt.Fprintf(h, "markers:%s\n", strings.Join(sortedCopy(testMarkers), ","))
	fmt.Fprintf(h, "prefixes:%s\n", strings.Join(sortedCopy(basePrefixes), ","))

	labels := make([]string, 0, len(scripts))
	for label := range scripts {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		fmt.Fprintf(h, "script:%s:%x\n", label, sha256.Sum256([]byte(scripts[label])))
	}

	fmt.Fprintf(h, "predicates:%s\n", strings.Join(sortedCopy(predicateKeys), ","))

	return fmt.Sprintf("%x", h.Sum(nil))
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
