package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/pranicsoil/fieldvoice/internal/voice"
	"github.com/pranicsoil/fieldvoice/internal/voice/playback"
)

// LoadEnv loads KEY=VALUE pairs from files into the process environment
// without overriding variables that are already set. With no files it
// reads ./.env; a missing default file is not an error.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		err := godotenv.Load()
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("config: load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("config: load env files: %w", err)
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader expands ${VAR} references from the environment, decodes
// the YAML in r and validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.Expand(string(raw), os.Getenv)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the values present in cfg are coherent. Sections a
// binary does not use may be left empty; see [Config.RequireVoice] and
// [Config.RequireBroker] for the per-binary required fields.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %s must not be negative", cfg.Server.ShutdownTimeout))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Voice
	v := cfg.Voice
	if v.BrokerURL != "" {
		if u, err := url.Parse(v.BrokerURL); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("voice.broker_url %q is not an absolute URL", v.BrokerURL))
		}
	}
	if v.Context != "" {
		if err := voice.ValidateContext(v.Context, v.SubjectID); err != nil {
			errs = append(errs, fmt.Errorf("voice.context: %w", err))
		}
	}
	if v.Device != "" && !v.Device.IsValid() {
		errs = append(errs, fmt.Errorf("voice.device %q is invalid; valid values: file, system", v.Device))
	}
	if v.Lock.Backend != "" && !v.Lock.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("voice.lock.backend %q is invalid; valid values: memory, redis", v.Lock.Backend))
	}
	if v.Lock.Backend == LockRedis && v.Lock.RedisAddr == "" {
		errs = append(errs, errors.New("voice.lock.redis_addr is required when backend is redis"))
	}
	if v.Lock.StaleAfter < 0 {
		errs = append(errs, fmt.Errorf("voice.lock.stale_after %s must not be negative", v.Lock.StaleAfter))
	}
	if v.Audio.PlaybackRate < 0 {
		errs = append(errs, fmt.Errorf("voice.audio.playback_rate %d must not be negative", v.Audio.PlaybackRate))
	}
	if v.Audio.ChunkSamples < 0 {
		errs = append(errs, fmt.Errorf("voice.audio.chunk_samples %d must not be negative", v.Audio.ChunkSamples))
	}
	switch playback.VolumeMode(v.Audio.VolumeMode) {
	case "", playback.VolumeRMS, playback.VolumeSynthetic:
	default:
		errs = append(errs, fmt.Errorf("voice.audio.volume_mode %q is invalid; valid values: rms, synthetic", v.Audio.VolumeMode))
	}

	// Broker
	b := cfg.Broker
	if b.ElevenLabs.BaseURL != "" {
		if u, err := url.Parse(b.ElevenLabs.BaseURL); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("broker.elevenlabs.base_url %q is not an absolute URL", b.ElevenLabs.BaseURL))
		}
	}
	if (b.Supabase.URL == "") != (b.Supabase.ServiceRoleKey == "") {
		errs = append(errs, errors.New("broker.supabase needs both url and service_role_key"))
	}
	if b.Breaker.MaxFailures < 0 || b.Breaker.HalfOpenMax < 0 || b.Breaker.ResetTimeout < 0 {
		errs = append(errs, errors.New("broker.breaker values must not be negative"))
	}

	// Telemetry
	if r := cfg.Telemetry.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio %v is out of range [0, 1]", r))
	}
	if p := cfg.Telemetry.MetricsPath; p != "" && !strings.HasPrefix(p, "/") {
		errs = append(errs, fmt.Errorf("telemetry.metrics_path %q must start with /", p))
	}

	return errors.Join(errs...)
}

// RequireVoice reports the fields the voice client cannot run without.
func (c *Config) RequireVoice() error {
	var errs []error
	if c.Voice.BrokerURL == "" {
		errs = append(errs, errors.New("voice.broker_url is required"))
	}
	if c.Voice.Context == "" {
		errs = append(errs, errors.New("voice.context is required"))
	}
	if c.Voice.Device != DeviceSystem {
		if c.Voice.InputFile == "" {
			errs = append(errs, errors.New("voice.input_file is required"))
		}
		if c.Voice.OutputFile == "" {
			errs = append(errs, errors.New("voice.output_file is required"))
		}
	}
	return errors.Join(errs...)
}

// RequireBroker reports the fields the broker server cannot run without.
func (c *Config) RequireBroker() error {
	var errs []error
	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if c.Broker.ElevenLabs.APIKey == "" {
		errs = append(errs, errors.New("broker.elevenlabs.api_key is required"))
	}
	if c.Broker.ElevenLabs.AgentID == "" {
		errs = append(errs, errors.New("broker.elevenlabs.agent_id is required"))
	}
	return errors.Join(errs...)
}
