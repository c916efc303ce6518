package mqttasync

import (
	"errors"
	"slices"
	"strings"
	"unicode/utf8"
)

var (
	ErrInvalidTopicName   = errors.New("invalid topic name")
	ErrInvalidTopicFilter = errors.New("invalid topic filter")
	ErrEmptyTopic         = errors.New("topic cannot be empty")
)

const (
	topicSeparator      = "/"
	singleLevelWildcard = "+"
	multiLevelWildcard  = "#"
	sharePrefix         = "$share/"
)

// ValidateTopicName validates a topic name used for publishing.
// Topic names cannot contain wildcards and must be valid UTF-8.
// MQTT v5.0 spec: Section 4.7.1
func ValidateTopicName(topic string) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if !utf8.ValidString(topic) || strings.ContainsAny(topic, "\x00+#") {
		return ErrInvalidTopicName
	}
	return nil
}

// ValidateTopicFilter validates a subscription filter.
// Wildcards must occupy a whole level and '#' may only be the last level.
// MQTT v5.0 spec: Section 4.7.1
func ValidateTopicFilter(filter string) error {
	if filter == "" {
		return ErrEmptyTopic
	}
	if !utf8.ValidString(filter) || strings.ContainsRune(filter, 0) {
		return ErrInvalidTopicFilter
	}

	if shared, err := ParseSharedSubscription(filter); err != nil {
		return err
	} else if shared != nil {
		filter = shared.TopicFilter
	}

	rest := filter
	for {
		level, tail, more := strings.Cut(rest, topicSeparator)
		if strings.Contains(level, singleLevelWildcard) && level != singleLevelWildcard {
			return ErrInvalidTopicFilter
		}
		if strings.Contains(level, multiLevelWildcard) && (level != multiLevelWildcard || more) {
			return ErrInvalidTopicFilter
		}
		if !more {
			return nil
		}
		rest = tail
	}
}

// TopicMatch reports whether a concrete topic matches a subscription filter.
//
// Both arguments are compared level by level. '+' consumes exactly one topic
// level and '#' matches all remaining levels, including none. Topics that
// start with '$' never match a filter whose first level is a wildcard.
// MQTT v5.0 spec: Section 4.7
func TopicMatch(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}

	if topic[0] == '$' && (filter[0] == '+' || filter[0] == '#') {
		return false
	}

	topicDone := false
	for {
		flevel, frest, fmore := strings.Cut(filter, topicSeparator)
		if flevel == multiLevelWildcard {
			return true
		}
		if topicDone {
			return false
		}

		tlevel, trest, tmore := strings.Cut(topic, topicSeparator)
		if flevel != singleLevelWildcard && flevel != tlevel {
			return false
		}
		if !fmore {
			return !tmore
		}

		filter = frest
		topic, topicDone = trest, !tmore
	}
}

// FilterMatches returns the values whose filter key matches topic, ordered
// by filter so that the result is deterministic.
func FilterMatches[V any](handlers map[string]V, topic string) []V {
	filters := make([]string, 0, len(handlers))
	for filter := range handlers {
		if TopicMatch(filter, topic) {
			filters = append(filters, filter)
		}
	}
	slices.Sort(filters)

	matched := make([]V, 0, len(filters))
	for _, filter := range filters {
		matched = append(matched, handlers[filter])
	}
	return matched
}

// IsSystemTopic returns true if the topic is a system topic ($SYS/).
func IsSystemTopic(topic string) bool {
	return strings.HasPrefix(topic, "$SYS/") || topic == "$SYS"
}

// SharedSubscription represents a parsed shared subscription.
// MQTT v5.0 spec: Section 4.8.2
type SharedSubscription struct {
	ShareName   string
	TopicFilter string
}

// ParseSharedSubscription parses a filter of the form
// $share/{ShareName}/{TopicFilter}. It returns nil, nil for filters that are
// not shared subscriptions.
func ParseSharedSubscription(filter string) (*SharedSubscription, error) {
	rest, ok := strings.CutPrefix(filter, sharePrefix)
	if !ok {
		return nil, nil
	}

	name, topicFilter, found := strings.Cut(rest, topicSeparator)
	if !found || name == "" || topicFilter == "" || strings.ContainsAny(name, "+#") {
		return nil, ErrInvalidTopicFilter
	}
	if err := ValidateTopicFilter(topicFilter); err != nil {
		return nil, err
	}

	return &SharedSubscription{ShareName: name, TopicFilter: topicFilter}, nil
}
