// Package config loads voicelink settings from defaults, an optional
// voicelink.yaml, VOICELINK_* environment variables and bound CLI flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vango-go/voicelink/pkg/live/protocol"
)

const EnvPrefix = "VOICELINK"

type EndpointMode string

const (
	// EndpointStatic dials Vendor.WSURL directly.
	EndpointStatic EndpointMode = "static"
	// EndpointWebCall asks the vendor REST API for a web call socket.
	EndpointWebCall EndpointMode = "web_call"
	// EndpointAgent authorizes a web agent and dials Vendor.WSURL with the
	// session token.
	EndpointAgent EndpointMode = "agent"
)

type Config struct {
	Vendor    VendorConfig
	Session   SessionConfig
	Transport TransportConfig
	Reconnect ReconnectConfig
	Audio     AudioConfig
	HTTP      HTTPConfig
	Database  DatabaseConfig
	Log       LogConfig
}

type VendorConfig struct {
	APIKey      string
	BaseURL     string
	ChatBaseURL string
	Endpoint    EndpointMode
	// WSURL is the socket dialed in static and agent modes. In static mode
	// the API key is appended as api_key when the URL carries none.
	WSURL   string
	AgentID string
}

type SessionConfig struct {
	Prompt      string
	Voice       string
	MaxDuration int
}

type TransportConfig struct {
	AudioTransport  string
	ConnectTimeout  time.Duration
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	ReadTimeout     time.Duration
	MaxMessageBytes int64
	AudioQueueSize  int
}

type ReconnectConfig struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent uint64
}

type AudioConfig struct {
	SampleRate     int
	Channels       int
	ChunkInterval  time.Duration
	FFmpeg         string
	InputFormat    string
	InputDevice    string
	CaptureCommand string
	OpenTimeout    time.Duration

	FFplay string
	// OutputCodec selects how inbound audio is decoded: auto, pcm, wav or opus.
	OutputCodec      string
	OutputSampleRate int
	OutputChannels   int
	Volume           int
	Mute             bool
}

type HTTPConfig struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownGrace     time.Duration
}

type DatabaseConfig struct {
	URL string
}

type LogConfig struct {
	Level  string
	Format string
}

// SetDefaults registers every key with its default so env lookups and
// Unmarshal see the full key set.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("vendor.api_key", "")
	v.SetDefault("vendor.base_url", "https://api.bland.ai/v1")
	v.SetDefault("vendor.chat_base_url", "https://us.api.bland.ai/v1")
	v.SetDefault("vendor.endpoint", string(EndpointWebCall))
	v.SetDefault("vendor.ws_url", "wss://api.bland.ai/v1/voice")
	v.SetDefault("vendor.agent_id", "")

	v.SetDefault("session.prompt", "You are a helpful voice assistant. Be conversational, friendly, and concise.")
	v.SetDefault("session.voice", "nat")
	v.SetDefault("session.max_duration", 30)

	v.SetDefault("transport.audio_transport", protocol.AudioTransportBinary)
	v.SetDefault("transport.connect_timeout", 10*time.Second)
	v.SetDefault("transport.write_timeout", 5*time.Second)
	v.SetDefault("transport.ping_interval", 20*time.Second)
	v.SetDefault("transport.read_timeout", time.Duration(0))
	v.SetDefault("transport.max_message_bytes", int64(16<<20))
	v.SetDefault("transport.audio_queue_size", 64)

	v.SetDefault("reconnect.max_attempts", 5)
	v.SetDefault("reconnect.base_delay", 500*time.Millisecond)
	v.SetDefault("reconnect.max_delay", 10*time.Second)
	v.SetDefault("reconnect.jitter_percent", 20)

	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("audio.channels", 1)
	v.SetDefault("audio.chunk_interval", 250*time.Millisecond)
	v.SetDefault("audio.ffmpeg", "ffmpeg")
	v.SetDefault("audio.input_format", "")
	v.SetDefault("audio.input_device", "")
	v.SetDefault("audio.capture_command", "")
	v.SetDefault("audio.open_timeout", 3*time.Second)
	v.SetDefault("audio.ffplay", "ffplay")
	v.SetDefault("audio.output_codec", "auto")
	v.SetDefault("audio.output_sample_rate", 16000)
	v.SetDefault("audio.output_channels", 1)
	v.SetDefault("audio.volume", 100)
	v.SetDefault("audio.mute", false)

	v.SetDefault("http.addr", "127.0.0.1:8787")
	v.SetDefault("http.read_header_timeout", 10*time.Second)
	v.SetDefault("http.shutdown_grace", 5*time.Second)

	v.SetDefault("database.url", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// New returns a viper instance with defaults, env binding and config file
// search paths set. It does not read the config file.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("vendor.api_key", EnvPrefix+"_VENDOR_API_KEY", "BLAND_API_KEY")
	_ = v.BindEnv("database.url", EnvPrefix+"_DATABASE_URL", "DATABASE_URL")

	v.SetConfigName("voicelink")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "voicelink"))
	}
	return v
}

// ReadFile reads the explicit path when set, otherwise searches the default
// paths. A missing default config file is not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %q: %w", path, err)
		}
		return nil
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Load resolves and validates the configuration held by v.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Vendor: VendorConfig{
			APIKey:      strings.TrimSpace(v.GetString("vendor.api_key")),
			BaseURL:     strings.TrimRight(v.GetString("vendor.base_url"), "/"),
			ChatBaseURL: strings.TrimRight(v.GetString("vendor.chat_base_url"), "/"),
			Endpoint:    EndpointMode(strings.ToLower(strings.TrimSpace(v.GetString("vendor.endpoint")))),
			WSURL:       strings.TrimSpace(v.GetString("vendor.ws_url")),
			AgentID:     strings.TrimSpace(v.GetString("vendor.agent_id")),
		},
		Session: SessionConfig{
			Prompt:      v.GetString("session.prompt"),
			Voice:       v.GetString("session.voice"),
			MaxDuration: v.GetInt("session.max_duration"),
		},
		Transport: TransportConfig{
			AudioTransport:  v.GetString("transport.audio_transport"),
			ConnectTimeout:  v.GetDuration("transport.connect_timeout"),
			WriteTimeout:    v.GetDuration("transport.write_timeout"),
			PingInterval:    v.GetDuration("transport.ping_interval"),
			ReadTimeout:     v.GetDuration("transport.read_timeout"),
			MaxMessageBytes: v.GetInt64("transport.max_message_bytes"),
			AudioQueueSize:  v.GetInt("transport.audio_queue_size"),
		},
		Reconnect: ReconnectConfig{
			MaxAttempts:   v.GetInt("reconnect.max_attempts"),
			BaseDelay:     v.GetDuration("reconnect.base_delay"),
			MaxDelay:      v.GetDuration("reconnect.max_delay"),
			JitterPercent: v.GetUint64("reconnect.jitter_percent"),
		},
		Audio: AudioConfig{
			SampleRate:       v.GetInt("audio.sample_rate"),
			Channels:         v.GetInt("audio.channels"),
			ChunkInterval:    v.GetDuration("audio.chunk_interval"),
			FFmpeg:           v.GetString("audio.ffmpeg"),
			InputFormat:      v.GetString("audio.input_format"),
			InputDevice:      v.GetString("audio.input_device"),
			CaptureCommand:   v.GetString("audio.capture_command"),
			OpenTimeout:      v.GetDuration("audio.open_timeout"),
			FFplay:           v.GetString("audio.ffplay"),
			OutputCodec:      strings.ToLower(strings.TrimSpace(v.GetString("audio.output_codec"))),
			OutputSampleRate: v.GetInt("audio.output_sample_rate"),
			OutputChannels:   v.GetInt("audio.output_channels"),
			Volume:           v.GetInt("audio.volume"),
			Mute:             v.GetBool("audio.mute"),
		},
		HTTP: HTTPConfig{
			Addr:              v.GetString("http.addr"),
			ReadHeaderTimeout: v.GetDuration("http.read_header_timeout"),
			ShutdownGrace:     v.GetDuration("http.shutdown_grace"),
		},
		Database: DatabaseConfig{
			URL: strings.TrimSpace(v.GetString("database.url")),
		},
		Log: LogConfig{
			Level:  strings.ToLower(v.GetString("log.level")),
			Format: strings.ToLower(v.GetString("log.format")),
		},
	}

	switch cfg.Vendor.Endpoint {
	case EndpointStatic, EndpointAgent:
		if cfg.Vendor.WSURL == "" {
			return Config{}, fmt.Errorf("vendor.ws_url is required when vendor.endpoint=%s", cfg.Vendor.Endpoint)
		}
		u, err := url.Parse(cfg.Vendor.WSURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return Config{}, fmt.Errorf("vendor.ws_url must be a ws:// or wss:// URL")
		}
	case EndpointWebCall:
	default:
		return Config{}, fmt.Errorf("vendor.endpoint must be one of static|web_call|agent")
	}

	transport, err := protocol.ValidateAudioTransport(cfg.Transport.AudioTransport)
	if err != nil {
		return Config{}, fmt.Errorf("transport.audio_transport must be binary or base64_json")
	}
	cfg.Transport.AudioTransport = transport

	if cfg.Transport.ConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("transport.connect_timeout must be > 0")
	}
	if cfg.Transport.WriteTimeout <= 0 {
		return Config{}, fmt.Errorf("transport.write_timeout must be > 0")
	}
	if cfg.Transport.PingInterval <= 0 {
		return Config{}, fmt.Errorf("transport.ping_interval must be > 0")
	}
	if cfg.Transport.ReadTimeout < 0 {
		return Config{}, fmt.Errorf("transport.read_timeout must be >= 0")
	}
	if cfg.Transport.MaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("transport.max_message_bytes must be > 0")
	}
	if cfg.Transport.AudioQueueSize <= 0 {
		return Config{}, fmt.Errorf("transport.audio_queue_size must be > 0")
	}

	if cfg.Reconnect.MaxAttempts < 0 {
		return Config{}, fmt.Errorf("reconnect.max_attempts must be >= 0")
	}
	if cfg.Reconnect.BaseDelay <= 0 {
		return Config{}, fmt.Errorf("reconnect.base_delay must be > 0")
	}
	if cfg.Reconnect.MaxDelay < cfg.Reconnect.BaseDelay {
		return Config{}, fmt.Errorf("reconnect.max_delay must be >= reconnect.base_delay")
	}
	if cfg.Reconnect.JitterPercent > 100 {
		return Config{}, fmt.Errorf("reconnect.jitter_percent must be <= 100")
	}

	if cfg.Audio.SampleRate <= 0 {
		return Config{}, fmt.Errorf("audio.sample_rate must be > 0")
	}
	if cfg.Audio.Channels != 1 && cfg.Audio.Channels != 2 {
		return Config{}, fmt.Errorf("audio.channels must be 1 or 2")
	}
	if cfg.Audio.ChunkInterval < 100*time.Millisecond || cfg.Audio.ChunkInterval > 250*time.Millisecond {
		return Config{}, fmt.Errorf("audio.chunk_interval must be between 100ms and 250ms")
	}
	if cfg.Audio.OpenTimeout <= 0 {
		return Config{}, fmt.Errorf("audio.open_timeout must be > 0")
	}
	switch cfg.Audio.OutputCodec {
	case "auto", "pcm", "wav", "opus":
	default:
		return Config{}, fmt.Errorf("audio.output_codec must be one of auto|pcm|wav|opus")
	}
	if cfg.Audio.OutputSampleRate <= 0 {
		return Config{}, fmt.Errorf("audio.output_sample_rate must be > 0")
	}
	if cfg.Audio.OutputChannels != 1 && cfg.Audio.OutputChannels != 2 {
		return Config{}, fmt.Errorf("audio.output_channels must be 1 or 2")
	}
	if cfg.Audio.Volume < 0 || cfg.Audio.Volume > 100 {
		return Config{}, fmt.Errorf("audio.volume must be between 0 and 100")
	}

	if strings.TrimSpace(cfg.HTTP.Addr) == "" {
		return Config{}, fmt.Errorf("http.addr is required")
	}
	if cfg.HTTP.ShutdownGrace <= 0 {
		return Config{}, fmt.Errorf("http.shutdown_grace must be > 0")
	}

	switch cfg.Log.Format {
	case "json", "console":
	default:
		return Config{}, fmt.Errorf("log.format must be json or console")
	}

	return cfg, nil
}

// RequireAPIKey reports a configuration error when no vendor key is set.
func (c Config) RequireAPIKey() error {
	if c.Vendor.APIKey == "" {
		return fmt.Errorf("vendor.api_key is required (set %s_VENDOR_API_KEY or BLAND_API_KEY)", EnvPrefix)
	}
	return nil
}

// CaptureFormat is the PCM shape the microphone is opened with.
func (c Config) CaptureFormat() protocol.AudioFormat {
	return protocol.AudioFormat{
		Encoding:     protocol.EncodingPCM16LE,
		SampleRateHz: c.Audio.SampleRate,
		Channels:     c.Audio.Channels,
	}
}

// OutputFormat is the PCM shape assumed for raw inbound audio.
func (c Config) OutputFormat() protocol.AudioFormat {
	return protocol.AudioFormat{
		Encoding:     protocol.EncodingPCM16LE,
		SampleRateHz: c.Audio.OutputSampleRate,
		Channels:     c.Audio.OutputChannels,
	}
}
