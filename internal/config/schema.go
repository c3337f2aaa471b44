package config

import "time"

// Config is the top-level YAML structure.
type Config struct {
	Server    ServerConf    `yaml:"server"`
	Postgres  PostgresConf  `yaml:"postgres"`
	Auth      AuthConf      `yaml:"auth"`
	CORS      CORSConf      `yaml:"cors"`
	Log       LogConf       `yaml:"log"`
	Fanout    FanoutConf    `yaml:"fanout"`
	Reconcile ReconcileConf `yaml:"reconcile"`
}

type ServerConf struct {
	Addr            string        `yaml:"addr"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type PostgresConf struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

type AuthConf struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// CORSConf lists browser origins allowed on the API and the websocket.
// "*" allows any origin. Hot-reloadable.
type CORSConf struct {
	Origins []string `yaml:"origins"`
}

// LogConf level is one of debug, info, warn, error. Hot-reloadable.
type LogConf struct {
	Level string `yaml:"level"`
}

type FanoutConf struct {
	SendBuffer int `yaml:"send_buffer"`
}

// ReconcileConf controls the periodic counter repair. Interval 0 disables it.
type ReconcileConf struct {
	Interval   time.Duration `yaml:"interval"`
	Workers    int           `yaml:"workers"`
	QueueDepth int           `yaml:"queue_depth"`
}
