package config

// Config is the root configuration for textdesk.
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway,omitempty"`
	Provider ProviderConfig `yaml:"provider,omitempty"`
	Storage  StorageConfig  `yaml:"storage,omitempty"`
	Broker   BrokerConfig   `yaml:"broker,omitempty"`
	Logging  LoggingConfig  `yaml:"logging,omitempty"`
	Hooks    HooksConfig    `yaml:"hooks,omitempty"`
}

// GatewayConfig controls the HTTP/WebSocket gateway server, which also
// serves the provider webhook ingress.
type GatewayConfig struct {
	Port           int         `yaml:"port,omitempty"`
	Bind           string      `yaml:"bind,omitempty"` // "loopback" | "lan" | "custom"
	CustomBindHost string      `yaml:"customBindHost,omitempty"`
	Auth           GatewayAuth `yaml:"auth,omitempty"`
	TLS            GatewayTLS  `yaml:"tls,omitempty"`
	AllowedOrigins []string    `yaml:"allowedOrigins,omitempty"`
}

// GatewayAuth configures gateway authentication.
type GatewayAuth struct {
	Token string `yaml:"token,omitempty"`
}

// GatewayTLS configures TLS for the gateway.
type GatewayTLS struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	CertPath string `yaml:"certPath,omitempty"`
	KeyPath  string `yaml:"keyPath,omitempty"`
}

// ProviderConfig holds telephony-provider credentials and webhook settings.
// AuthToken doubles as the webhook signature secret; store it as ${ENV_VAR}.
type ProviderConfig struct {
	AccountSID  string `yaml:"accountSid,omitempty"`
	AuthToken   string `yaml:"authToken,omitempty"`
	CallbackURL string `yaml:"callbackUrl,omitempty"` // public URL the provider POSTs webhooks to
	// SkipSignatureCheck disables webhook signature validation. Local
	// development only; the serve command refuses it on non-loopback binds.
	SkipSignatureCheck bool `yaml:"skipSignatureCheck,omitempty"`
}

// StorageConfig controls the SQLite database.
type StorageConfig struct {
	Path string `yaml:"path,omitempty"` // ":memory:" for ephemeral
}

// BrokerConfig selects the pub/sub transport.
type BrokerConfig struct {
	Kind  string      `yaml:"kind,omitempty"` // "memory" | "redis"
	Redis RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig configures the Redis broker.
type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"` // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
}

// HooksConfig defines shell-command hooks per event.
type HooksConfig struct {
	MessageReceived []HookEntry `yaml:"messageReceived,omitempty"`
	MessageSent     []HookEntry `yaml:"messageSent,omitempty"`
	StorageError    []HookEntry `yaml:"storageError,omitempty"`
	OrphanedWebhook []HookEntry `yaml:"orphanedWebhook,omitempty"`
	GatewayStart    []HookEntry `yaml:"gatewayStart,omitempty"`
	GatewayStop     []HookEntry `yaml:"gatewayStop,omitempty"`
}

// HookEntry defines a single hook action.
type HookEntry struct {
	Command string `yaml:"command"`
	Timeout int    `yaml:"timeout,omitempty"` // milliseconds
}
