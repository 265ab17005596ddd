package feed

import "github.com/MrWong99/mira/internal/notify"

// Inbound frame types, device to server.
const (
	TypeSessionStart   = "session_start"
	TypeTranscription  = "transcription"
	TypeHeadPosition   = "head_position"
	TypeLocation       = "location"
	TypePhoto          = "photo"
	TypeLocationResult = "location_result"
	TypeSpeakResult    = "speak_result"
	TypeAudioResult    = "audio_result"
	TypeSettings       = "settings"
	TypeNotifications  = "notifications"
)

// Outbound frame types, server to device.
const (
	TypeSubscribe       = "subscribe"
	TypeUnsubscribe     = "unsubscribe"
	TypeShowText        = "show_text"
	TypeSpeak           = "speak"
	TypePlayAudio       = "play_audio"
	TypeRequestPhoto    = "request_photo"
	TypeRequestLocation = "request_location"
)

// Streams a session can subscribe to.
const (
	StreamTranscription = "transcription"
	StreamHeadPosition  = "head_position"
	StreamLocation      = "location"
	StreamNotifications = "notifications"
)

// Capabilities describes the hardware of the connected device.
type Capabilities struct {
	HasDisplay bool `json:"has_display"`
	HasCamera  bool `json:"has_camera"`
}

// Hello is the session_start frame.
type Hello struct {
	SessionID    string         `json:"session_id"`
	UserID       string         `json:"user_id"`
	ServerURL    string         `json:"server_url"`
	Capabilities Capabilities   `json:"capabilities"`
	Settings     map[string]any `json:"settings,omitempty"`
}

// inbound is the union of every device frame. Only the fields of Type are
// meaningful.
type inbound struct {
	Type string `json:"type"`

	// session_start
	SessionID    string         `json:"session_id,omitempty"`
	UserID       string         `json:"user_id,omitempty"`
	ServerURL    string         `json:"server_url,omitempty"`
	Capabilities Capabilities   `json:"capabilities"`
	Settings     map[string]any `json:"settings,omitempty"`

	// transcription
	Text    string `json:"text,omitempty"`
	IsFinal bool   `json:"is_final,omitempty"`

	// head_position
	Position string `json:"position,omitempty"`

	// location, location_result
	Lat float64 `json:"lat,omitempty"`
	Lng float64 `json:"lng,omitempty"`

	// photo, *_result
	RequestID string `json:"request_id,omitempty"`
	MIMEType  string `json:"mime_type,omitempty"`
	Data      []byte `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`

	// settings
	Values map[string]any `json:"values,omitempty"`

	// notifications
	Items []notify.Notification `json:"items,omitempty"`
}

func (in inbound) hello() Hello {
	return Hello{
		SessionID:    in.SessionID,
		UserID:       in.UserID,
		ServerURL:    in.ServerURL,
		Capabilities: in.Capabilities,
		Settings:     in.Settings,
	}
}

// outbound is the union of every server frame.
type outbound struct {
	Type       string `json:"type"`
	Stream     string `json:"stream,omitempty"`
	Text       string `json:"text,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	URL        string `json:"url,omitempty"`
	Accuracy   string `json:"accuracy,omitempty"`
}
