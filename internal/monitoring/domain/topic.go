package monitoring

// Topic is one of the monitored bus topics.
type Topic string

const (
	TopicCloudV2        Topic = "cloudv2"
	TopicCloudV2Ping    Topic = "cloudv2-ping"
	TopicCloud2         Topic = "cloud2"
	TopicCloudV2Network Topic = "cloudv2-network"
	TopicCloudV2Info    Topic = "cloudv2-info"
)

// MonitoredTopics lists the fixed subscription set in a stable order.
func MonitoredTopics() []Topic {
	return []Topic{TopicCloudV2, TopicCloudV2Ping, TopicCloud2, TopicCloudV2Network, TopicCloudV2Info}
}

// ConnectivityTopics are the topics whose arrivals keep a pivot connected.
func ConnectivityTopics() []Topic {
	return []Topic{TopicCloudV2, TopicCloudV2Ping, TopicCloudV2Info, TopicCloudV2Network}
}

// ParseTopic validates a raw topic name against the monitored set.
func ParseTopic(value string) (Topic, bool) {
	switch Topic(value) {
	case TopicCloudV2, TopicCloudV2Ping, TopicCloud2, TopicCloudV2Network, TopicCloudV2Info:
		return Topic(value), true
	default:
		return "", false
	}
}

// IsMonitoredTopic reports whether publishing to value is forbidden.
func IsMonitoredTopic(value string) bool {
	_, ok := ParseTopic(value)
	return ok
}

// IsConnectivity reports whether arrivals on t count towards connectivity.
func (t Topic) IsConnectivity() bool {
	switch t {
	case TopicCloudV2, TopicCloudV2Ping, TopicCloudV2Info, TopicCloudV2Network:
		return true
	default:
		return false
	}
}

// IsProbeResponse reports whether t answers the #11$ probe.
func (t Topic) IsProbeResponse() bool {
	return t == TopicCloudV2Network || t == TopicCloudV2Info
}

// IsAuxiliary reports whether t is a connectivity topic other than cloudv2.
func (t Topic) IsAuxiliary() bool {
	return t.IsConnectivity() && t != TopicCloudV2
}
