// Package bus wraps the Kafka client. Producers publish with
// wait-for-all-ISR durability; consumers use consumer groups with
// manual offset commits so a failed message is redelivered.
package bus

// Fixed topics of the pipeline. Channel topics are derived per channel.
const (
	DelayedTopic = "delayed_notification"
	StatusTopic  = "notification_status"
)

// ChannelTopic returns the per-channel notification topic.
func ChannelTopic(channel string) string {
	return channel + "_notification"
}

// DispatchGroup returns the consumer group name for a channel's
// dispatch consumers.
func DispatchGroup(channel string) string {
	return channel + "-processor-group"
}

const (
	ScheduledGroup = "scheduled-processor-group"
	StatusGroup    = "status-processor-group"
)
