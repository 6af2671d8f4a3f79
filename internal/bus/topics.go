package bus

import "fmt"

// Topic patterns for NATS pub/sub communication.

func TopicAgentInput(agentID string) string {
	return fmt.Sprintf("agent.%s.input", agentID)
}

func TopicAgentOutput(agentID string) string {
	return fmt.Sprintf("agent.%s.output", agentID)
}

func TopicAgentControl(agentID string) string {
	return fmt.Sprintf("agent.%s.control", agentID)
}

func TopicIPC(agentID string) string {
	return fmt.Sprintf("host.ipc.%s", agentID)
}

func TopicChannelMessages(channelID string) string {
	return fmt.Sprintf("channel.%s.messages", channelID)
}

func TopicEventsAgent(agentID string) string {
	return fmt.Sprintf("events.agent.%s", agentID)
}

func TopicEventsEconomy(agentID string) string {
	return fmt.Sprintf("events.economy.%s", agentID)
}

func TopicEventsPipeline(runID string) string {
	return fmt.Sprintf("events.pipeline.%s", runID)
}

const (
	TopicEventsAll          = "events.>"
	TopicEventsEconomyAll   = "events.economy.*"
	TopicEventsPipelineAll  = "events.pipeline.*"
	TopicEventsScheduler    = "events.scheduler"
	TopicEventsVault        = "events.vault"
	TopicChannelMessagesAll = "channel.*.messages"
)
