package dispatch

// Flow keys. A flow groups the operations that share one enable/disable
// override; most flows own a single channel today but the mapping allows
// several.
const (
	FlowChatMessages    = "chat_messages"
	FlowMemoryOps       = "memory_operations"
	FlowSessionOps      = "session_operations"
	FlowActivityOps     = "activity_operations"
	FlowActionOps       = "action_operations"
	FlowSummarization   = "summarization"
	FlowContextAnalysis = "context_analysis"
)

// flowChannels maps each flow to the channels it owns.
var flowChannels = map[string][]string{
	FlowChatMessages:    {ChannelChatMessages},
	FlowMemoryOps:       {ChannelMemoryOps},
	FlowSessionOps:      {ChannelSessionOps},
	FlowActivityOps:     {ChannelActivityOps},
	FlowActionOps:       {ChannelActionOps},
	FlowSummarization:   {ChannelSummarization},
	FlowContextAnalysis: {ChannelContextAnalysis},
}

// FlowConfig resolves per-flow asynchronous-dispatch enablement. It is built
// once at startup and immutable afterwards: changing the global switch or a
// flow override requires a process restart.
type FlowConfig struct {
	global      bool
	overrides   map[string]bool
	channelFlow map[string]string
}

// NewFlowConfig builds the resolver from the global switch and per-flow
// overrides (absent key = no override). Overrides for unknown flow keys are
// kept, so a deployment can pre-set a flag for a flow added in a later
// release, but they resolve nothing until the flow exists.
func NewFlowConfig(global bool, overrides map[string]bool) *FlowConfig {
	channelFlow := make(map[string]string)
	for flow, channels := range flowChannels {
		for _, ch := range channels {
			channelFlow[ch] = flow
		}
	}
	ov := make(map[string]bool, len(overrides))
	for k, v := range overrides {
		ov[k] = v
	}
	return &FlowConfig{global: global, overrides: ov, channelFlow: channelFlow}
}

// FlowEnabled reports whether asynchronous dispatch is on for a flow:
// specific override if present, else the global switch.
func (f *FlowConfig) FlowEnabled(flow string) bool {
	if v, ok := f.overrides[flow]; ok {
		return v
	}
	return f.global
}

// ChannelEnabled resolves a channel back to its owning flow and returns that
// flow's enablement. Channels with no owning flow fall back to the global
// switch.
func (f *FlowConfig) ChannelEnabled(channel string) bool {
	if flow, ok := f.channelFlow[channel]; ok {
		return f.FlowEnabled(flow)
	}
	return f.global
}
