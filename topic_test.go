package mqttasync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTopicName(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		wantErr error
	}{
		{"simple", "sensors", nil},
		{"multiple levels", "sensors/kitchen/temp", nil},
		{"leading slash", "/sensors", nil},
		{"trailing slash", "sensors/", nil},
		{"system topic", "$SYS/uptime", nil},
		{"empty", "", ErrEmptyTopic},
		{"single wildcard", "sensors/+/temp", ErrInvalidTopicName},
		{"multi wildcard", "sensors/#", ErrInvalidTopicName},
		{"null byte", "sensors\x00temp", ErrInvalidTopicName},
		{"invalid utf8", "sensors/\xff", ErrInvalidTopicName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTopicName(tt.topic)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateTopicFilter(t *testing.T) {
	tests := []struct {
		name    string
		filter  string
		wantErr error
	}{
		{"simple", "sensors", nil},
		{"single wildcard", "+", nil},
		{"single wildcard in middle", "sensors/+/temp", nil},
		{"multi wildcard", "#", nil},
		{"multi wildcard at end", "sensors/#", nil},
		{"combined", "+/kitchen/#", nil},
		{"shared subscription", "$share/workers/jobs/+", nil},
		{"empty", "", ErrEmptyTopic},
		{"partial single wildcard", "sensors+", ErrInvalidTopicFilter},
		{"partial multi wildcard", "sensors#", ErrInvalidTopicFilter},
		{"multi wildcard not last", "#/sensors", ErrInvalidTopicFilter},
		{"null byte", "sensors\x00", ErrInvalidTopicFilter},
		{"shared without filter", "$share/workers", ErrInvalidTopicFilter},
		{"shared with wildcard name", "$share/+/jobs", ErrInvalidTopicFilter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTopicFilter(tt.filter)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestTopicMatch(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		match  bool
	}{
		{"a/+/c", "a/b/c", true},
		{"a/#", "a/b/d", true},
		{"a/b/#", "a/b", true},
		{"+/bar", "$SYS/bar", false},
		{"foo/+", "foo/bar/baz", false},

		{"a/b/c", "a/b/c", true},
		{"a/b", "a/b/c", false},
		{"a/b/c", "a/b", false},
		{"a/b", "a/c", false},

		{"+", "a", true},
		{"+", "a/b", false},
		{"a/+", "a", false},
		{"a/+", "a/", true},
		{"+/+", "/a", true},
		{"+/+/+", "a/b/c", true},

		{"#", "a", true},
		{"#", "a/b/c/d", true},
		{"a/#", "a", true},
		{"a/#", "b", false},
		{"+/#", "a", true},
		{"+/+/#", "a/b/c/d", true},

		{"$SYS/#", "$SYS/broker/load", true},
		{"$SYS/+", "$SYS/uptime", true},
		{"#", "$SYS/uptime", false},
		{"+/uptime", "$SYS/uptime", false},
		{"a/+", "a/$b", true},

		{"", "a", false},
		{"a", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.filter+" "+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.match, TopicMatch(tt.filter, tt.topic))
		})
	}
}

func TestTopicMatchAgreesWithValidation(t *testing.T) {
	filters := []string{"a/+/c", "a/#", "#", "+/+", "a/b"}
	topics := []string{"a/b/c", "a/b", "a", "x/y"}

	for _, filter := range filters {
		require.NoError(t, ValidateTopicFilter(filter))
		for _, topic := range topics {
			require.NoError(t, ValidateTopicName(topic))
			// matching must be deterministic
			first := TopicMatch(filter, topic)
			assert.Equal(t, first, TopicMatch(filter, topic), "%s %s", filter, topic)
		}
	}
}

func TestFilterMatches(t *testing.T) {
	handlers := map[string]string{
		"sensors/#":      "all",
		"sensors/+/temp": "temp",
		"sensors/a/temp": "exact",
		"devices/#":      "devices",
		"#":              "root",
	}

	t.Run("ordered by filter", func(t *testing.T) {
		got := FilterMatches(handlers, "sensors/a/temp")
		assert.Equal(t, []string{"root", "all", "temp", "exact"}, got)
	})

	t.Run("no match", func(t *testing.T) {
		got := FilterMatches(map[string]int{"a/b": 1}, "c/d")
		assert.Empty(t, got)
	})

	t.Run("system topic excluded from wildcard", func(t *testing.T) {
		got := FilterMatches(handlers, "$SYS/uptime")
		assert.Empty(t, got)
	})

	t.Run("nil map", func(t *testing.T) {
		var m map[string]int
		assert.Empty(t, FilterMatches(m, "a"))
	})
}

func TestIsSystemTopic(t *testing.T) {
	assert.True(t, IsSystemTopic("$SYS"))
	assert.True(t, IsSystemTopic("$SYS/broker"))
	assert.False(t, IsSystemTopic("$SYSTEM"))
	assert.False(t, IsSystemTopic("sensors"))
}

func TestParseSharedSubscription(t *testing.T) {
	t.Run("shared", func(t *testing.T) {
		shared, err := ParseSharedSubscription("$share/group/a/+/c")
		require.NoError(t, err)
		require.NotNil(t, shared)
		assert.Equal(t, "group", shared.ShareName)
		assert.Equal(t, "a/+/c", shared.TopicFilter)
	})

	t.Run("not shared", func(t *testing.T) {
		shared, err := ParseSharedSubscription("a/b")
		require.NoError(t, err)
		assert.Nil(t, shared)
	})

	t.Run("empty name", func(t *testing.T) {
		_, err := ParseSharedSubscription("$share//a")
		assert.ErrorIs(t, err, ErrInvalidTopicFilter)
	})

	t.Run("invalid inner filter", func(t *testing.T) {
		_, err := ParseSharedSubscription("$share/g/a/#/b")
		assert.ErrorIs(t, err, ErrInvalidTopicFilter)
	})
}

func BenchmarkTopicMatch(b *testing.B) {
	for b.Loop() {
		TopicMatch("sensors/+/temp/#", "sensors/kitchen/temp/celsius/raw")
	}
}
