package commsutil

import "strings"

// DefaultBroadcastPrefix is the topic prefix for distributed channel broadcasts.
const DefaultBroadcastPrefix = "sockr.channels."

// BroadcastTopic builds the topic for a channel. An empty channel yields the
// server-wide topic, which is the prefix without its trailing separator.
func BroadcastTopic(prefix, channel string) string {
	if channel == "" {
		return ServerWideTopic(prefix)
	}
	return prefix + channel
}

// ServerWideTopic returns the topic used for broadcasts with no channel.
func ServerWideTopic(prefix string) string {
	return strings.TrimSuffix(prefix, ".")
}

// ChannelFromTopic strips prefix from topic. It reports false for topics
// outside the prefix.
func ChannelFromTopic(prefix, topic string) (string, bool) {
	if topic == ServerWideTopic(prefix) {
		return "", true
	}
	if !strings.HasPrefix(topic, prefix) || len(topic) == len(prefix) {
		return "", false
	}
	return topic[len(prefix):], true
}

// ValidChannelName reports whether name can be carried as topic tokens:
// non-empty dot-separated tokens without whitespace or wildcards.
func ValidChannelName(name string) bool {
	if name == "" {
		return false
	}
	for _, tok := range strings.Split(name, ".") {
		if tok == "" || strings.ContainsAny(tok, " \t\r\n*>") {
			return false
		}
	}
	return true
}
