package config

import (
	"time"

	pkgconfig "github.com/KenXD2001/proctor-ai-sfu-server-sub000/pkg/config"
	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/pkg/storage"
)

type Config struct {
	Server    ServerConfig
	WebSocket WebSocketConfig
	Auth      AuthConfig
	WebRTC    WebRTCConfig
	Recorder  RecorderConfig
	Roles     RolesConfig
	Storage   StorageConfig
	Upload    UploadConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

type AuthConfig struct {
	Secret string
	Issuer string
}

type WebRTCConfig struct {
	ListenIP    string `mapstructure:"listen_ip"`
	AnnouncedIP string `mapstructure:"announced_ip"`
	PortMin     int    `mapstructure:"port_min"`
	PortMax     int    `mapstructure:"port_max"`
}

type RecorderConfig struct {
	Enabled               bool
	PortMin               int           `mapstructure:"port_min"`
	PortMax               int           `mapstructure:"port_max"`
	BasePath              string        `mapstructure:"base_path"`
	FFmpegPath            string        `mapstructure:"ffmpeg_path"`
	RestartWindow         time.Duration `mapstructure:"restart_window"`
	ProducerActiveTimeout time.Duration `mapstructure:"producer_active_timeout"`
	EncoderReadyTimeout   time.Duration `mapstructure:"encoder_ready_timeout"`
	ConnectSettle         time.Duration `mapstructure:"connect_settle"`
}

// RolesConfig overrides the default viewer hierarchy when non-empty. Keys are
// viewer roles, values the publisher roles they may watch.
type RolesConfig struct {
	Hierarchy map[string][]string
}

type StorageConfig struct {
	Driver string // "s3" or "local"
	S3     storage.S3Config
	Local  storage.LocalConfig
}

type UploadConfig struct {
	Enabled    bool
	Workers    int
	QueueSize  int           `mapstructure:"queue_size"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	KeyPrefix  string        `mapstructure:"key_prefix"`
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	v, err := pkgconfig.Load("./config", "config")
	if err != nil {
		return nil, err
	}

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 65536)
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("webrtc.listen_ip", "0.0.0.0")
	v.SetDefault("webrtc.announced_ip", "")
	v.SetDefault("webrtc.port_min", 40000)
	v.SetDefault("webrtc.port_max", 49999)
	v.SetDefault("recorder.enabled", true)
	v.SetDefault("recorder.port_min", 50000)
	v.SetDefault("recorder.port_max", 50100)
	v.SetDefault("recorder.base_path", "recordings")
	v.SetDefault("recorder.ffmpeg_path", "ffmpeg")
	v.SetDefault("recorder.restart_window", "5s")
	v.SetDefault("recorder.producer_active_timeout", "10s")
	v.SetDefault("recorder.encoder_ready_timeout", "5s")
	v.SetDefault("recorder.connect_settle", "250ms")
	v.SetDefault("storage.driver", "local")
	v.SetDefault("storage.local.base_path", "uploads")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.access_key_id", "")
	v.SetDefault("storage.s3.secret_access_key", "")
	v.SetDefault("storage.s3.use_path_style", false)
	v.SetDefault("upload.enabled", false)
	v.SetDefault("upload.workers", 2)
	v.SetDefault("upload.queue_size", 64)
	v.SetDefault("upload.max_retries", 3)
	v.SetDefault("upload.retry_delay", "1s")
	v.SetDefault("upload.key_prefix", "recordings")
	v.SetDefault("log.level", "info")

	for _, key := range []string{
		"server.host", "server.port",
		"auth.secret", "auth.issuer",
		"webrtc.listen_ip", "webrtc.announced_ip", "webrtc.port_min", "webrtc.port_max",
		"recorder.enabled", "recorder.port_min", "recorder.port_max", "recorder.base_path",
		"recorder.ffmpeg_path", "recorder.restart_window",
		"storage.driver", "storage.s3.bucket", "storage.s3.region",
		"storage.s3.access_key_id", "storage.s3.secret_access_key", "storage.s3.endpoint",
		"upload.enabled",
		"log.level",
	} {
		_ = v.BindEnv(key)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
