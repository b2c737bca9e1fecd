// Package tasknum orders dotted hierarchical task numbers such as "8.2".
// A plain lexical sort is wrong for these: "2" must come before "10" and
// "8.1" must fall between "8" and "9".
package tasknum

import (
	"sort"
	"strconv"
	"strings"
)

// Compare orders two dotted task numbers by comparing each dot-separated
// segment numerically. Missing or non-numeric segments count as zero.
// The result follows the usual -1/0/+1 convention.
func Compare(a, b string) int {
	aParts := strings.Split(a, ".")
	bParts := strings.Split(b, ".")

	length := len(aParts)
	if len(bParts) > length {
		length = len(bParts)
	}

	for i := 0; i < length; i++ {
		aValue := segmentValue(aParts, i)
		bValue := segmentValue(bParts, i)
		if aValue != bValue {
			if aValue < bValue {
				return -1
			}
			return 1
		}
	}
	return 0
}

// SortKeyed sorts items in place by their extracted task numbers.
func SortKeyed[T any](items []T, key func(T) string) {
	sort.SliceStable(items, func(i, j int) bool {
		return Compare(key(items[i]), key(items[j])) < 0
	})
}

func segmentValue(parts []string, index int) int {
	if index >= len(parts) {
		return 0
	}
	value, err := strconv.Atoi(strings.TrimSpace(parts[index]))
	if err != nil {
		return 0
	}
	return value
}
