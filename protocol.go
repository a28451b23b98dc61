package main

// AudioParams is advertised to control-plane clients in initial-state.
// The core never interprets audio payloads; these values only describe
// what the fleet is expected to produce.
type AudioParams struct {
	SampleRate    int `json:"sampleRate"`
	FrameDuration int `json:"frameDuration"` // ms
	Channels      int `json:"channels"`
	OpusBitrate   int `json:"opusBitrate"`
}

// ControlMsg is a JSON message on the control-plane channel. One struct
// covers both directions; unused fields are omitted on the wire.
type ControlMsg struct {
	Type string `json:"type"`

	// Command fields (client → server).
	Device   string   `json:"device,omitempty"`
	Source   string   `json:"source,omitempty"`
	Target   string   `json:"target,omitempty"`
	DeviceA  string   `json:"deviceA,omitempty"`
	DeviceB  string   `json:"deviceB,omitempty"`
	Scenario string   `json:"scenario,omitempty"`
	Targets  []string `json:"targets,omitempty"`

	// Event payloads (server → client).
	Devices []EndpointInfo         `json:"devices,omitempty"`
	Routes  map[string]MatrixEntry `json:"routes,omitempty"`
	Stats   *StatsSnapshot         `json:"stats,omitempty"`
	Audio   *AudioParams           `json:"audio,omitempty"`
	Packets []MonitorEvent         `json:"packets,omitempty"`
	Config  *RoutingConfig         `json:"config,omitempty"`
	Error   string                 `json:"error,omitempty"`

	Timestamp int64 `json:"ts,omitempty"` // ping/pong Unix ms
}

// BridgeMsg is a JSON message on the audio bridge channel.
type BridgeMsg struct {
	Type string `json:"type"`

	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Sequence  uint16 `json:"sequence,omitempty"`
	Opus      string `json:"opus,omitempty"` // base64 frame bytes
	Timestamp int64  `json:"timestamp,omitempty"`

	DeviceID string `json:"deviceId,omitempty"` // start_listening / stop_listening
	Source   string `json:"source,omitempty"`   // set_route
	Target   string `json:"target,omitempty"`   // set_route

	Stats     *BridgeStats `json:"stats,omitempty"`
	Timing    *TimingStats `json:"timing,omitempty"`
	Violation *Violation   `json:"violation,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// BridgeStats is the audio_stats payload: the virtual endpoint's registry
// view plus pacer timing.
type BridgeStats struct {
	Endpoint EndpointInfo `json:"endpoint"`
	Timing   TimingStats  `json:"timing"`
}
