// The Redis port filters range scans with glob patterns (KEYS); the following module implements glob matching on
// top of scan sequences. Since scans are sorted, the literal prefix of a pattern narrows the scan before matching.

package scan

import (
	"bytes"
	"fmt"
	"iter"

	"github.com/nobletooth/kvhandle/pkg/utils"
	"v.io/v23/glob"
)

// MatchGlob matches the `pairs` stream with the given `glob` pattern.
func MatchGlob(pattern []byte, pairs iter.Seq[utils.BytePair]) (iter.Seq[utils.BytePair], error) {
	parsedPattern, err := glob.Parse(string(pattern))
	if err != nil {
		return nil, fmt.Errorf("invalid glob pattern '%s': %w", pattern, err)
	}
	return func(yield func(utils.BytePair) bool) {
		for pair := range pairs {
			if parsedPattern.Head().Match(string(pair.Key)) {
				if !yield(pair) {
					return
				}
			}
		}
	}, nil
}

// LiteralPrefix returns the part of `pattern` before its first wildcard or escape; every matching key starts with it.
func LiteralPrefix(pattern []byte) []byte {
	if idx := bytes.IndexAny(pattern, `*?[\`); idx >= 0 {
		return pattern[:idx]
	}
	return pattern
}

// TakePrefix yields from the sorted `pairs` stream while keys start with `prefix`.
// NOTE: The stream should already be positioned at the first key >= prefix.
func TakePrefix(prefix []byte, pairs iter.Seq[utils.BytePair]) iter.Seq[utils.BytePair] {
	return func(yield func(utils.BytePair) bool) {
		for pair := range pairs {
			if !bytes.HasPrefix(pair.Key, prefix) || !yield(pair) {
				return
			}
		}
	}
}
