package protocol

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// InitiationClientData is the single configuration message a client sends
// after the metadata handshake.
type InitiationClientData struct {
	Type                       string            `json:"type"`
	DynamicVariables           map[string]string `json:"dynamic_variables"`
	ConversationConfigOverride *ConfigOverride   `json:"conversation_config_override,omitempty"`
}

type ConfigOverride struct {
	Agent *AgentOverride `json:"agent,omitempty"`
	TTS   *TTSOverride   `json:"tts,omitempty"`
}

type AgentOverride struct {
	Prompt       *PromptOverride `json:"prompt,omitempty"`
	FirstMessage string          `json:"first_message,omitempty"`
	Language     string          `json:"language,omitempty"`
}

type PromptOverride struct {
	Prompt string `json:"prompt"`
}

type TTSOverride struct {
	VoiceID string `json:"voice_id"`
}

type userAudioChunk struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type pong struct {
	Type    string `json:"type"`
	EventID int64  `json:"event_id"`
}

// Overrides is the caller-facing shape of the initiation message. Empty
// fields are left out of the wire payload.
type Overrides struct {
	DynamicVariables map[string]string
	Prompt           string
	FirstMessage     string
	Language         string
	VoiceID          string
}

// NewInitiation builds the initiation payload from the caller's overrides.
func NewInitiation(o Overrides) InitiationClientData {
	msg := InitiationClientData{
		Type:             KindInitiationClientData,
		DynamicVariables: map[string]string{},
	}
	for k, v := range o.DynamicVariables {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		msg.DynamicVariables[k] = v
	}

	var override ConfigOverride
	agent := AgentOverride{
		FirstMessage: o.FirstMessage,
		Language:     strings.TrimSpace(o.Language),
	}
	if strings.TrimSpace(o.Prompt) != "" {
		agent.Prompt = &PromptOverride{Prompt: o.Prompt}
	}
	if agent.Prompt != nil || agent.FirstMessage != "" || agent.Language != "" {
		override.Agent = &agent
	}
	if voice := strings.TrimSpace(o.VoiceID); voice != "" {
		override.TTS = &TTSOverride{VoiceID: voice}
	}
	if override.Agent != nil || override.TTS != nil {
		msg.ConversationConfigOverride = &override
	}
	return msg
}

func EncodeInitiation(msg InitiationClientData) ([]byte, error) {
	msg.Type = KindInitiationClientData
	if msg.DynamicVariables == nil {
		msg.DynamicVariables = map[string]string{}
	}
	return json.Marshal(msg)
}

// EncodeUserAudio wraps one captured PCM16 frame.
func EncodeUserAudio(pcm []byte) []byte {
	out, _ := json.Marshal(userAudioChunk{UserAudioChunk: base64.StdEncoding.EncodeToString(pcm)})
	return out
}

func EncodePong(eventID int64) []byte {
	out, _ := json.Marshal(pong{Type: KindPong, EventID: eventID})
	return out
}
