package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Inbound message kinds sent by the conversational peer.
const (
	KindConversationMetadata = "conversation_initiation_metadata"
	KindAudio                = "audio"
	KindAgentResponse        = "agent_response"
	KindUserTranscript       = "user_transcript"
	KindInterruption         = "interruption"
	KindPing                 = "ping"
	KindError                = "error"
)

// Outbound message kinds.
const (
	KindInitiationClientData = "conversation_initiation_client_data"
	KindPong                 = "pong"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message, Param: param}
}

// ConversationMetadata is the handshake message carrying the peer-assigned
// conversation id. Nothing may be sent before it arrives.
type ConversationMetadata struct {
	ConversationID         string
	AgentOutputAudioFormat string
	UserInputAudioFormat   string
}

// AudioChunk is a variable-length slice of PCM16 little-endian agent audio.
// Data may be empty.
type AudioChunk struct {
	EventID int64
	Data    []byte
}

type AgentResponse struct {
	Text string
}

type UserTranscript struct {
	Text string
}

type Interruption struct {
	EventID int64
}

type Ping struct {
	EventID int64
	PingMS  int64
}

// PeerError is an explicit terminal error reported by the peer.
type PeerError struct {
	Code    string
	Message string
}

func (e PeerError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "peer reported an error"
	}
	if strings.TrimSpace(e.Code) == "" {
		return msg
	}
	return fmt.Sprintf("%s (code: %s)", msg, e.Code)
}

// Ignored is returned for kinds the engine does not act on (internal, debug,
// or newer message types).
type Ignored struct {
	Kind string
}

type metadataEvent struct {
	ConversationID         string `json:"conversation_id"`
	AgentOutputAudioFormat string `json:"agent_output_audio_format"`
	UserInputAudioFormat   string `json:"user_input_audio_format"`
}

type audioEvent struct {
	AudioBase64 string `json:"audio_base_64"`
	EventID     int64  `json:"event_id"`
}

type peerFrame struct {
	Type string `json:"type"`

	Metadata *metadataEvent `json:"conversation_initiation_metadata_event,omitempty"`
	Audio    *audioEvent    `json:"audio_event,omitempty"`
	Agent    *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`
	User *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`
	Interruption *struct {
		EventID int64 `json:"event_id"`
	} `json:"interruption_event,omitempty"`
	Ping *struct {
		EventID int64 `json:"event_id"`
		PingMS  int64 `json:"ping_ms"`
	} `json:"ping_event,omitempty"`
	ErrorEvent *struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
	} `json:"error_event,omitempty"`
	Message string `json:"message,omitempty"`
}

// DecodePeerMessage decodes one text frame from the peer. The returned value is
// one of ConversationMetadata, AudioChunk, AgentResponse, UserTranscript,
// Interruption, Ping, PeerError or Ignored. Malformed frames yield a
// *DecodeError; callers are expected to log and drop them.
func DecodePeerMessage(data []byte) (any, error) {
	var frame peerFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, badFrame("invalid json frame", "")
	}
	kind := strings.TrimSpace(frame.Type)
	if kind == "" {
		return nil, badFrame("missing type", "type")
	}

	switch kind {
	case KindConversationMetadata:
		if frame.Metadata == nil {
			return nil, badFrame("missing conversation_initiation_metadata_event", "conversation_initiation_metadata_event")
		}
		id := strings.TrimSpace(frame.Metadata.ConversationID)
		if id == "" {
			return nil, badFrame("conversation_id is required", "conversation_id")
		}
		return ConversationMetadata{
			ConversationID:         id,
			AgentOutputAudioFormat: strings.TrimSpace(frame.Metadata.AgentOutputAudioFormat),
			UserInputAudioFormat:   strings.TrimSpace(frame.Metadata.UserInputAudioFormat),
		}, nil
	case KindAudio:
		if frame.Audio == nil {
			return AudioChunk{}, nil
		}
		pcm, err := decodeBase64(frame.Audio.AudioBase64)
		if err != nil {
			return nil, badFrame("invalid audio_base_64", "audio_event.audio_base_64")
		}
		return AudioChunk{EventID: frame.Audio.EventID, Data: pcm}, nil
	case KindAgentResponse:
		if frame.Agent == nil {
			return nil, badFrame("missing agent_response_event", "agent_response_event")
		}
		return AgentResponse{Text: frame.Agent.AgentResponse}, nil
	case KindUserTranscript:
		if frame.User == nil {
			return nil, badFrame("missing user_transcription_event", "user_transcription_event")
		}
		return UserTranscript{Text: frame.User.UserTranscript}, nil
	case KindInterruption:
		var msg Interruption
		if frame.Interruption != nil {
			msg.EventID = frame.Interruption.EventID
		}
		return msg, nil
	case KindPing:
		if frame.Ping == nil {
			return nil, badFrame("missing ping_event", "ping_event")
		}
		return Ping{EventID: frame.Ping.EventID, PingMS: frame.Ping.PingMS}, nil
	case KindError:
		out := PeerError{Message: strings.TrimSpace(frame.Message)}
		if frame.ErrorEvent != nil {
			if msg := strings.TrimSpace(frame.ErrorEvent.Message); msg != "" {
				out.Message = msg
			}
			out.Code = rawScalar(frame.ErrorEvent.Code)
		}
		return out, nil
	default:
		return Ignored{Kind: kind}, nil
	}
}

// DecodeBinaryAudio wraps a raw binary frame as an AudioChunk.
func DecodeBinaryAudio(data []byte) AudioChunk {
	return AudioChunk{Data: data}
}

func rawScalar(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("invalid base64")
}
