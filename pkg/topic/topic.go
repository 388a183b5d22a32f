// Package topic canonicalizes MQTT topic names and filters and validates
// them against the wildcard rules in spec.md §3.
package topic

import (
	"strings"

	"github.com/nodeforge/brokercore/pkg/er"
)

const (
	// SingleWildcard matches exactly one level.
	SingleWildcard = "+"
	// MultiWildcard matches one or more trailing levels (not the bare
	// parent topic); must be last.
	MultiWildcard = "#"
)

// Levels splits a forward-slash-separated topic or filter into its ordered
// levels. Empty levels (from "a//b") are preserved as empty strings — the
// codec accepts them (spec.md §9 Open Questions), so this core treats an
// empty level as a legal, distinct level rather than collapsing or
// rejecting it.
func Levels(s string) []string {
	return strings.Split(s, "/")
}

// Join reassembles levels back into a forward-slash-separated string.
func Join(levels []string) string {
	return strings.Join(levels, "/")
}

// ValidateTopicName reports whether s is usable as a concrete published or
// retained topic: non-empty, and containing no wildcard level.
func ValidateTopicName(s string) error {
	if s == "" {
		return er.New(er.InvalidTopicFilter, "topic name must not be empty")
	}
	for _, lvl := range Levels(s) {
		if lvl == SingleWildcard || lvl == MultiWildcard {
			return er.New(er.InvalidTopicFilter, "topic name must not contain wildcards: "+s)
		}
	}
	return nil
}

// ValidateTopicFilter reports whether s is usable as a subscription filter:
// non-empty, and "#" only ever appears as the final level.
func ValidateTopicFilter(s string) error {
	if s == "" {
		return er.New(er.InvalidTopicFilter, "topic filter must not be empty")
	}
	levels := Levels(s)
	for i, lvl := range levels {
		if lvl == MultiWildcard && i != len(levels)-1 {
			return er.New(er.InvalidTopicFilter, "'#' must be the last level in filter: "+s)
		}
	}
	return nil
}

// MatchesFilter reports whether the concrete topic is matched by filter,
// honouring single- and multi-level wildcards. Both arguments must already
// be validated (ValidateTopicName / ValidateTopicFilter).
func MatchesFilter(filter, topic string) bool {
	return matchLevels(Levels(filter), Levels(topic))
}

func matchLevels(filter, topicLevels []string) bool {
	for i, f := range filter {
		if f == MultiWildcard {
			// "#" must still absorb at least one level beyond the
			// prefix already matched — it does not match the bare
			// parent topic (pkg/topic/index.go's matchTopicRec applies
			// the same rule to the trie).
			return i < len(topicLevels)
		}
		if i >= len(topicLevels) {
			return false
		}
		if f != SingleWildcard && f != topicLevels[i] {
			return false
		}
	}
	return len(filter) == len(topicLevels)
}
