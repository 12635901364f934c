// Package protocol encodes and decodes the JSON control messages exchanged
// with the conversational voice endpoint.
//
// Inbound messages are a tagged union keyed by "type". [Parse] flattens them
// into a [Message]; the outbound encoders build the three client messages:
// the initiation, pong replies and uplink audio chunks.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

// Kind classifies an inbound message.
type Kind int

const (
	KindUnknown Kind = iota
	KindMetadata
	KindAudio
	KindAgentResponse
	KindUserTranscript
	KindInterruption
	KindPing
	KindError
	KindEnded
)

func (k Kind) String() string {
	switch k {
	case KindMetadata:
		return "conversation_initiation_metadata"
	case KindAudio:
		return "audio"
	case KindAgentResponse:
		return "agent_response"
	case KindUserTranscript:
		return "user_transcript"
	case KindInterruption:
		return "interruption"
	case KindPing:
		return "ping"
	case KindError:
		return "error"
	case KindEnded:
		return "conversation_ended"
	default:
		return "unknown"
	}
}

// Message is a decoded inbound message. Only the fields relevant to Kind are
// set.
type Message struct {
	Kind Kind

	// Type is the raw "type" tag, kept for logging unknown messages.
	Type string

	// Audio is the decoded audio payload of audio and agent_response
	// messages, or the raw bytes of a binary frame.
	Audio []byte

	// Text carries agent_response and user_transcript text, and the reason of
	// error and conversation_ended messages.
	Text string

	// EventID is the ping id exactly as received, so a pong can echo it
	// whether it was a number or a string.
	EventID json.RawMessage

	ConversationID string

	// OutputFormat is the agent output audio format announced in metadata,
	// e.g. "pcm_16000".
	OutputFormat string
	InputFormat  string
}

type audioEvent struct {
	AudioBase64 string          `json:"audio_base_64"`
	EventID     json.RawMessage `json:"event_id,omitempty"`
}

type wireMessage struct {
	Type        string `json:"type"`
	AudioBase64 string `json:"audio_base_64,omitempty"`

	AudioEvent *audioEvent `json:"audio_event,omitempty"`

	AgentResponseEvent *struct {
		AgentResponse string `json:"agent_response"`
		AudioBase64   string `json:"audio_base_64"`
	} `json:"agent_response_event,omitempty"`

	UserTranscriptionEvent *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`

	PingEvent *struct {
		EventID json.RawMessage `json:"event_id"`
		PingMS  *int            `json:"ping_ms,omitempty"`
	} `json:"ping_event,omitempty"`
	EventID json.RawMessage `json:"event_id,omitempty"`

	MetadataEvent *struct {
		ConversationID         string `json:"conversation_id"`
		AgentOutputAudioFormat string `json:"agent_output_audio_format"`
		UserInputAudioFormat   string `json:"user_input_audio_format"`
	} `json:"conversation_initiation_metadata_event,omitempty"`

	ErrorEvent *struct {
		Message string `json:"message"`
		Code    any    `json:"code,omitempty"`
	} `json:"error_event,omitempty"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Parse decodes one text frame. Unknown types yield [KindUnknown] without an
// error; malformed JSON or audio that is not valid base64 is an error.
func Parse(data []byte) (Message, error) {
	var w wireMessage
	if err := sonic.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("protocol: decode message: %w", err)
	}

	msg := Message{Type: w.Type}
	switch w.Type {
	case "conversation_initiation_metadata":
		msg.Kind = KindMetadata
		if m := w.MetadataEvent; m != nil {
			msg.ConversationID = m.ConversationID
			msg.OutputFormat = m.AgentOutputAudioFormat
			msg.InputFormat = m.UserInputAudioFormat
		}

	case "audio":
		msg.Kind = KindAudio
		audio, err := decodeAudio(w.audioPayload())
		if err != nil {
			return Message{}, err
		}
		msg.Audio = audio

	case "agent_response":
		msg.Kind = KindAgentResponse
		if e := w.AgentResponseEvent; e != nil {
			msg.Text = e.AgentResponse
		}
		audio, err := decodeAudio(w.audioPayload())
		if err != nil {
			return Message{}, err
		}
		msg.Audio = audio

	case "user_transcript":
		msg.Kind = KindUserTranscript
		if e := w.UserTranscriptionEvent; e != nil {
			msg.Text = e.UserTranscript
		}

	case "interruption":
		msg.Kind = KindInterruption

	case "ping":
		msg.Kind = KindPing
		msg.EventID = w.EventID
		if w.PingEvent != nil && len(w.PingEvent.EventID) > 0 {
			msg.EventID = w.PingEvent.EventID
		}

	case "error":
		msg.Kind = KindError
		msg.Text = w.Message
		if w.ErrorEvent != nil && w.ErrorEvent.Message != "" {
			msg.Text = w.ErrorEvent.Message
		}

	case "conversation_ended":
		msg.Kind = KindEnded
		msg.Text = w.Reason

	default:
		msg.Kind = KindUnknown
	}
	return msg, nil
}

// audioPayload applies the precedence audio_event > top level >
// agent_response_event.
func (w *wireMessage) audioPayload() string {
	if w.AudioEvent != nil && w.AudioEvent.AudioBase64 != "" {
		return w.AudioEvent.AudioBase64
	}
	if w.AudioBase64 != "" {
		return w.AudioBase64
	}
	if w.AgentResponseEvent != nil {
		return w.AgentResponseEvent.AudioBase64
	}
	return ""
}

func decodeAudio(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("protocol: decode audio payload: %w", err)
	}
	return b, nil
}

// ── Outbound ──────────────────────────────────────────────────────────────────

type initiation struct {
	Type             string            `json:"type"`
	Override         *override         `json:"conversation_config_override,omitempty"`
	DynamicVariables map[string]string `json:"dynamic_variables,omitempty"`
}

type override struct {
	Agent struct {
		Prompt struct {
			Prompt string `json:"prompt"`
		} `json:"prompt"`
	} `json:"agent"`
}

// Initiation builds the conversation_initiation_client_data message. A
// non-empty prompt overrides the agent prompt; vars become dynamic variables.
func Initiation(prompt string, vars map[string]string) ([]byte, error) {
	msg := initiation{Type: "conversation_initiation_client_data", DynamicVariables: vars}
	if prompt != "" {
		msg.Override = &override{}
		msg.Override.Agent.Prompt.Prompt = prompt
	}
	return sonic.Marshal(msg)
}

// Pong answers a ping, echoing its event id verbatim.
func Pong(eventID json.RawMessage) ([]byte, error) {
	if len(eventID) == 0 {
		eventID = json.RawMessage("null")
	}
	return sonic.Marshal(struct {
		Type    string          `json:"type"`
		EventID json.RawMessage `json:"event_id"`
	}{Type: "pong", EventID: eventID})
}

// AudioChunk wraps uplink PCM16 in a user_audio_chunk message.
func AudioChunk(pcm []byte) ([]byte, error) {
	return sonic.Marshal(struct {
		UserAudioChunk string `json:"user_audio_chunk"`
	}{UserAudioChunk: base64.StdEncoding.EncodeToString(pcm)})
}

// SampleRate extracts the rate from formats like "pcm_16000". It reports
// false for anything that is not linear PCM with a positive rate.
func SampleRate(format string) (int, bool) {
	rest, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, false
	}
	rate, err := strconv.Atoi(rest)
	if err != nil || rate <= 0 {
		return 0, false
	}
	return rate, true
}
