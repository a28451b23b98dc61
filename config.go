package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the server configuration, loadable from a YAML file. Every
// field has a working default so the server runs with no file at all.
type Config struct {
	UDP struct {
		ServerPort      int `yaml:"serverPort"`
		DevicePortStart int `yaml:"devicePortStart"`
		MaxPacketSize   int `yaml:"maxPacketSize"`
	} `yaml:"udp"`

	Audio struct {
		SampleRate    int `yaml:"sampleRate"`
		FrameDuration int `yaml:"frameDuration"` // ms
		Channels      int `yaml:"channels"`
		OpusBitrate   int `yaml:"opusBitrate"`
	} `yaml:"audio"`

	Device struct {
		MaxDevices        int `yaml:"maxDevices"`
		TimeoutSeconds    int `yaml:"timeoutSeconds"`
		HeartbeatInterval int `yaml:"heartbeatInterval"` // hint for clients; not enforced
	} `yaml:"device"`

	Routing struct {
		DefaultMode  string `yaml:"defaultMode"`
		MaxGroupSize int    `yaml:"maxGroupSize"`
	} `yaml:"routing"`

	WebSocket struct {
		Port         int `yaml:"port"`
		PingInterval int `yaml:"pingInterval"` // seconds
	} `yaml:"websocket"`
}

// DefaultConfig returns the factory defaults.
func DefaultConfig() Config {
	var c Config
	c.UDP.ServerPort = 5004
	c.UDP.DevicePortStart = 6000
	c.UDP.MaxPacketSize = 2048
	c.Audio.SampleRate = 48000
	c.Audio.FrameDuration = 20
	c.Audio.Channels = 1
	c.Audio.OpusBitrate = 24000
	c.Device.MaxDevices = 64
	c.Device.TimeoutSeconds = 10
	c.Device.HeartbeatInterval = 5
	c.Routing.DefaultMode = "manual"
	c.Routing.MaxGroupSize = 8
	c.WebSocket.Port = 8081
	c.WebSocket.PingInterval = 30
	return c
}

// LoadConfig reads a YAML config file over the defaults. An empty path
// returns the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.UDP.ServerPort <= 0 || c.UDP.ServerPort > 65535 {
		return fmt.Errorf("config: invalid udp.serverPort %d", c.UDP.ServerPort)
	}
	if c.UDP.MaxPacketSize < HeaderSize {
		return fmt.Errorf("config: udp.maxPacketSize %d below header size", c.UDP.MaxPacketSize)
	}
	if c.Audio.FrameDuration <= 0 {
		return fmt.Errorf("config: audio.frameDuration must be positive")
	}
	if c.Device.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: device.timeoutSeconds must be positive")
	}
	return nil
}

// FrameDuration returns audio.frameDuration as a time.Duration.
func (c *Config) FrameDuration() time.Duration {
	return time.Duration(c.Audio.FrameDuration) * time.Millisecond
}

// DeviceTimeout returns device.timeoutSeconds as a time.Duration.
func (c *Config) DeviceTimeout() time.Duration {
	return time.Duration(c.Device.TimeoutSeconds) * time.Second
}

// PingInterval returns websocket.pingInterval as a time.Duration.
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.WebSocket.PingInterval) * time.Second
}

// AudioParams returns the advertised audio parameters for initial-state.
func (c *Config) AudioParams() AudioParams {
	return AudioParams{
		SampleRate:    c.Audio.SampleRate,
		FrameDuration: c.Audio.FrameDuration,
		Channels:      c.Audio.Channels,
		OpusBitrate:   c.Audio.OpusBitrate,
	}
}
