package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Twitch   TwitchConfig      `yaml:"twitch"`
	Player   PlayerConfig      `yaml:"player"`
	Queue    QueueConfig       `yaml:"queue"`
	Vote     VoteConfig        `yaml:"vote"`
	Overlay  OverlayConfig     `yaml:"overlay"`
	Commands map[string]string `yaml:"commands"` // canned replies: command -> text
	Resolver ResolverConfig    `yaml:"resolver"`
	Kick     KickConfig        `yaml:"kick"`
	Recorder RecorderConfig    `yaml:"recorder"`
	S3       S3Config          `yaml:"s3"`
	Uploader UploaderConfig    `yaml:"uploader"`
	Logging  LoggingConfig     `yaml:"logging"`
}

// TwitchConfig holds Twitch chat and notification settings
type TwitchConfig struct {
	Username       string `yaml:"username"`
	OAuth          string `yaml:"oauth"`
	Channel        string `yaml:"channel"`
	ClientID       string `yaml:"client_id"`
	BroadcasterID  string `yaml:"broadcaster_id"`
	CommandPrefix  string `yaml:"command_prefix"`
	IRCURL         string `yaml:"irc_url"`
	EventSubURL    string `yaml:"eventsub_url"`
	MessagesPer30s int    `yaml:"messages_per_30s"`
}

// PlayerConfig holds media player settings
type PlayerConfig struct {
	IPCSocket   string  `yaml:"ipc_socket"`
	Launch      bool    `yaml:"launch"` // start mpv ourselves
	Binary      string  `yaml:"binary"`
	StartVolume float64 `yaml:"start_volume"`
}

// QueueConfig holds song request queue settings
type QueueConfig struct {
	Capacity int `yaml:"capacity"`
}

// VoteConfig holds vote-skip settings
type VoteConfig struct {
	WindowSeconds int `yaml:"window_seconds"`
	Threshold     int `yaml:"threshold"`
}

// OverlayConfig holds the display server settings
type OverlayConfig struct {
	Addr string `yaml:"addr"`
}

// ResolverConfig holds song lookup settings
type ResolverConfig struct {
	YouTubeAPIKey     string  `yaml:"youtube_api_key"`
	OEmbedURL         string  `yaml:"oembed_url"`
	SearchURL         string  `yaml:"search_url"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// KickConfig holds the optional Kick chat source
type KickConfig struct {
	Enabled  bool                `yaml:"enabled"`
	Channels []KickChannelConfig `yaml:"channels"`
}

// KickChannelConfig is a Kick channel with an optional pre-resolved chatroom ID
type KickChannelConfig struct {
	Slug       string `yaml:"slug"`
	ChatroomID int    `yaml:"chatroom_id"`
}

// RecorderConfig holds journal settings
type RecorderConfig struct {
	Enabled         bool   `yaml:"enabled"`
	OutputDir       string `yaml:"output_dir"`
	RotateMinutes   int    `yaml:"rotate_minutes"`
	RotateMegabytes int    `yaml:"rotate_megabytes"`
	BufferSize      int    `yaml:"buffer_size"`
}

// S3Config holds S3 upload configuration
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	RoleARN         string `yaml:"role_arn"`          // IAM role ARN for OIDC authentication
	AccessKeyID     string `yaml:"access_key_id"`     // Legacy: static credentials
	SecretAccessKey string `yaml:"secret_access_key"` // Legacy: static credentials
}

// UploaderConfig holds uploader configuration
type UploaderConfig struct {
	DeleteAfterUpload bool `yaml:"delete_after_upload"`
	MaxRetries        int  `yaml:"max_retries"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if oauth := os.Getenv("TWITCH_OAUTH"); oauth != "" {
		c.Twitch.OAuth = oauth
	}
	if clientID := os.Getenv("TWITCH_CLIENT_ID"); clientID != "" {
		c.Twitch.ClientID = clientID
	}
	if key := os.Getenv("YOUTUBE_API_KEY"); key != "" {
		c.Resolver.YouTubeAPIKey = key
	}
	if roleARN := os.Getenv("AWS_ROLE_ARN"); roleARN != "" {
		c.S3.RoleARN = roleARN
	}
	if keyID := os.Getenv("S3_ACCESS_KEY_ID"); keyID != "" {
		c.S3.AccessKeyID = keyID
	}
	if secretKey := os.Getenv("S3_SECRET_ACCESS_KEY"); secretKey != "" {
		c.S3.SecretAccessKey = secretKey
	}
}

func (c *Config) applyDefaults() {
	c.Twitch.Channel = strings.ToLower(strings.TrimPrefix(c.Twitch.Channel, "#"))
	c.Twitch.Username = strings.ToLower(c.Twitch.Username)
	if c.Twitch.CommandPrefix == "" {
		c.Twitch.CommandPrefix = "!"
	}
	if c.Twitch.IRCURL == "" {
		c.Twitch.IRCURL = "wss://irc-ws.chat.twitch.tv:443"
	}
	if c.Twitch.EventSubURL == "" {
		c.Twitch.EventSubURL = "wss://eventsub.wss.twitch.tv/ws"
	}
	if c.Twitch.MessagesPer30s == 0 {
		c.Twitch.MessagesPer30s = 20
	}
	if c.Player.IPCSocket == "" {
		c.Player.IPCSocket = "/tmp/streambot-mpv.sock"
	}
	if c.Player.Binary == "" {
		c.Player.Binary = "mpv"
	}
	if c.Player.StartVolume == 0 {
		c.Player.StartVolume = 50
	}
	if c.Queue.Capacity == 0 {
		c.Queue.Capacity = 20
	}
	if c.Vote.WindowSeconds == 0 {
		c.Vote.WindowSeconds = 30
	}
	if c.Vote.Threshold == 0 {
		c.Vote.Threshold = 3
	}
	if c.Overlay.Addr == "" {
		c.Overlay.Addr = ":8080"
	}
	if c.Resolver.OEmbedURL == "" {
		c.Resolver.OEmbedURL = "https://www.youtube.com/oembed"
	}
	if c.Resolver.SearchURL == "" {
		c.Resolver.SearchURL = "https://www.googleapis.com/youtube/v3/search"
	}
	if c.Resolver.RequestsPerSecond == 0 {
		c.Resolver.RequestsPerSecond = 2
	}
	if c.Recorder.BufferSize == 0 {
		c.Recorder.BufferSize = 100
	}
	if c.Recorder.RotateMinutes == 0 {
		c.Recorder.RotateMinutes = 60
	}
	if c.Recorder.RotateMegabytes == 0 {
		c.Recorder.RotateMegabytes = 100
	}
	if c.Recorder.OutputDir == "" {
		c.Recorder.OutputDir = "./data"
	}
	if c.Uploader.MaxRetries == 0 {
		c.Uploader.MaxRetries = 3
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks required fields and cross-field constraints.
func (c *Config) Validate() error {
	if c.Twitch.Username == "" {
		return fmt.Errorf("%w: twitch.username is required", ErrInvalid)
	}
	if c.Twitch.OAuth == "" {
		return fmt.Errorf("%w: twitch.oauth is required (or set TWITCH_OAUTH env var)", ErrInvalid)
	}
	if c.Twitch.Channel == "" {
		return fmt.Errorf("%w: twitch.channel is required", ErrInvalid)
	}
	if strings.TrimSpace(c.Twitch.CommandPrefix) == "" {
		return fmt.Errorf("%w: twitch.command_prefix must not be blank", ErrInvalid)
	}
	if c.Queue.Capacity < 1 {
		return fmt.Errorf("%w: queue.capacity must be >= 1", ErrInvalid)
	}
	if c.Vote.Threshold < 1 {
		return fmt.Errorf("%w: vote.threshold must be >= 1", ErrInvalid)
	}
	if c.Kick.Enabled && len(c.Kick.Channels) == 0 {
		return fmt.Errorf("%w: kick.enabled requires at least one kick channel", ErrInvalid)
	}
	if c.S3.Bucket != "" {
		if c.S3.Region == "" {
			return fmt.Errorf("%w: s3.region is required when s3.bucket is set", ErrInvalid)
		}
		// Either OIDC role or static credentials required
		if c.S3.RoleARN == "" && c.S3.AccessKeyID == "" {
			return fmt.Errorf("%w: either s3.role_arn (OIDC) or s3.access_key_id (legacy) is required", ErrInvalid)
		}
		if c.S3.AccessKeyID != "" && c.S3.SecretAccessKey == "" {
			return fmt.Errorf("%w: s3.secret_access_key is required when using access_key_id", ErrInvalid)
		}
	}
	return nil
}

// NotificationsEnabled reports whether enough is configured to register
// platform notification subscriptions.
func (c *Config) NotificationsEnabled() bool {
	return c.Twitch.ClientID != "" && c.Twitch.BroadcasterID != ""
}

// UploadEnabled reports whether rotated journal files are archived to S3.
func (c *Config) UploadEnabled() bool {
	return c.Recorder.Enabled && c.S3.Bucket != ""
}

// VoteWindow returns the vote-skip accumulation window.
func (c *Config) VoteWindow() time.Duration {
	return time.Duration(c.Vote.WindowSeconds) * time.Second
}
