package control

// ProtocolVersion is the control-channel protocol version this
// implementation negotiates from. Per the source's open question, older
// frameQuality/keyframeQualityOverride key variants are rejected rather
// than guessed at.
const ProtocolVersion = 3

// ErrProtocolVersion is reported via Error when a peer negotiates an
// older protocol version that used legacy StartStream keys.
const ErrProtocolVersion = "protocolError: unsupported protocol version, expected >= 3"

// Hello is the client's opening handshake message.
type Hello struct {
	DeviceID        string   `json:"deviceID"`
	DeviceName      string   `json:"deviceName"`
	DeviceType      string   `json:"deviceType"`
	ProtocolVersion int      `json:"protocolVersion"`
	Capabilities    []string `json:"capabilities,omitempty"`
}

// HelloResponse is the host's reply to Hello.
type HelloResponse struct {
	Accepted     bool   `json:"accepted"`
	HostID       string `json:"hostID"`
	HostName     string `json:"hostName"`
	RequiresAuth bool   `json:"requiresAuth"`
	DataPort     int    `json:"dataPort"`
}

// Disconnect announces a voluntary disconnect.
type Disconnect struct {
	Reason string `json:"reason,omitempty"`
}

// Ping/Pong carry a nonce so RTT can be measured from the reply.
type Ping struct {
	Nonce     uint32 `json:"nonce"`
	SentAtNs  int64  `json:"sentAtNs"`
}

type Pong struct {
	Nonce    uint32 `json:"nonce"`
	SentAtNs int64  `json:"sentAtNs"`
}

// StartStream requests the host begin streaming a window, using the
// protocolVersion>=3 key set exclusively.
type StartStream struct {
	WindowID             uint32   `json:"windowID"`
	PreferredQuality     string   `json:"preferredQuality,omitempty"`
	DataPort             *int     `json:"dataPort,omitempty"`
	ScaleFactor          *float64 `json:"scaleFactor,omitempty"`
	PixelWidth           *int     `json:"pixelWidth,omitempty"`
	PixelHeight          *int     `json:"pixelHeight,omitempty"`
	DisplayWidth         *int     `json:"displayWidth,omitempty"`
	DisplayHeight        *int     `json:"displayHeight,omitempty"`
	KeyFrameInterval     *int     `json:"keyFrameInterval,omitempty"`
	FrameQuality         *int     `json:"frameQuality,omitempty"`
	KeyframeQuality      *int     `json:"keyframeQuality,omitempty"`
	PixelFormat          string   `json:"pixelFormat,omitempty"`
	ColorSpace           string   `json:"colorSpace,omitempty"`
	CaptureQueueDepth    *int     `json:"captureQueueDepth,omitempty"`
	MinBitrate           *int     `json:"minBitrate,omitempty"`
	MaxBitrate           *int     `json:"maxBitrate,omitempty"`
	StreamScale          *float64 `json:"streamScale,omitempty"`
	AdaptiveScaleEnabled *bool    `json:"adaptiveScaleEnabled,omitempty"`
	LatencyMode          string   `json:"latencyMode,omitempty"`
	MaxRefreshRate       int      `json:"maxRefreshRate"`
}

// DefaultMaxRefreshRate matches the wire default when a client omits it.
const DefaultMaxRefreshRate = 60

// StopStream requests the host stop a running stream.
type StopStream struct {
	StreamID uint16 `json:"streamID"`
}

// StreamStarted announces a stream's negotiated parameters.
type StreamStarted struct {
	StreamID       uint16 `json:"streamID"`
	WindowID       uint32 `json:"windowID"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	FrameRate      int    `json:"frameRate"`
	Codec          string `json:"codec"`
	MinWidth       *int   `json:"minWidth,omitempty"`
	MinHeight      *int   `json:"minHeight,omitempty"`
	DimensionToken *uint16 `json:"dimensionToken,omitempty"`
}

// StreamStopped announces a stream has ended.
type StreamStopped struct {
	StreamID uint16 `json:"streamID"`
	Reason   string `json:"reason,omitempty"`
}

// StreamMetrics carries a stream controller's periodic metrics snapshot.
type StreamMetrics struct {
	StreamID      uint16  `json:"streamID"`
	DecodedFPS    float64 `json:"decodedFPS"`
	ReceivedFPS   float64 `json:"receivedFPS"`
	DroppedFrames int64   `json:"droppedFrames"`
}

// KeyframeRequest asks the host to emit a fresh keyframe for a stream.
type KeyframeRequest struct {
	StreamID uint16 `json:"streamID"`
}

// InputEvent carries an opaque input payload for a stream. The concrete
// shape of Event is owned by the (out-of-scope) input-synthesis
// collaborator; this layer only transports it.
type InputEvent struct {
	StreamID uint16          `json:"streamID"`
	Event    JSONPassthrough `json:"event"`
}

// JSONPassthrough carries already-encoded JSON without round-tripping it
// through a concrete Go struct, since InputEvent's payload shape belongs to
// a collaborator outside this subsystem's scope.
type JSONPassthrough struct {
	Raw []byte
}

func (j JSONPassthrough) MarshalJSON() ([]byte, error) {
	if len(j.Raw) == 0 {
		return []byte("null"), nil
	}
	return j.Raw, nil
}

func (j *JSONPassthrough) UnmarshalJSON(data []byte) error {
	j.Raw = append([]byte(nil), data...)
	return nil
}

// ErrorMessage carries a protocol-level error report.
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
