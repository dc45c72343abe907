package trace

import "go.opentelemetry.io/otel/attribute"

// Attribute keys shared by the pipeline spans.
const (
	AttrClientID       = attribute.Key("agentdesk.client_id")
	AttrAgentID        = attribute.Key("agentdesk.agent_id")
	AttrChannel        = attribute.Key("agentdesk.channel")
	AttrConversationID = attribute.Key("agentdesk.conversation_id")
	AttrCallState      = attribute.Key("agentdesk.call_state")
	AttrKeySource      = attribute.Key("agentdesk.key_source")
	AttrChunks         = attribute.Key("agentdesk.chunks")
	AttrModel          = attribute.Key("llm.model")
	AttrMaxTokens      = attribute.Key("llm.max_tokens")
	AttrTokensIn       = attribute.Key("llm.tokens_in")
	AttrTokensOut      = attribute.Key("llm.tokens_out")
	AttrTTSProvider    = attribute.Key("tts.provider")
	AttrAudioBytes     = attribute.Key("tts.audio_bytes")
)
