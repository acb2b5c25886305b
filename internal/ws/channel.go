package ws

// ChannelConfig describes one named topic channel. Channels are statically
// configured at startup; clients cannot create them.
type ChannelConfig struct {
	Name               string `mapstructure:"name" json:"name"`
	Description        string `mapstructure:"description" json:"description"`
	MaxConnections     int    `mapstructure:"max_connections" json:"max_connections"`
	RateLimitPerMinute int    `mapstructure:"rate_limit_per_minute" json:"rate_limit_per_minute"`
	CompressionEnabled bool   `mapstructure:"compression_enabled" json:"compression_enabled"`
	AuthRequired       bool   `mapstructure:"auth_required" json:"auth_required"`
	MessageBufferSize  int    `mapstructure:"message_buffer_size" json:"message_buffer_size"`
}

// DefaultChannels returns the channel catalog used when none is configured.
func DefaultChannels() []ChannelConfig {
	return []ChannelConfig{
		{
			Name:               "realtime",
			Description:        "Live system data",
			MaxConnections:     500,
			RateLimitPerMinute: 60,
			CompressionEnabled: true,
			AuthRequired:       false,
			MessageBufferSize:  100,
		},
		{
			Name:               "dashboard",
			Description:        "3D dashboard state",
			MaxConnections:     100,
			RateLimitPerMinute: 30,
			CompressionEnabled: true,
			AuthRequired:       true,
			MessageBufferSize:  100,
		},
		{
			Name:               "alerts",
			Description:        "System alerts",
			MaxConnections:     200,
			RateLimitPerMinute: 120,
			CompressionEnabled: false,
			AuthRequired:       true,
			MessageBufferSize:  100,
		},
		{
			Name:               "metrics",
			Description:        "System metrics",
			MaxConnections:     300,
			RateLimitPerMinute: 90,
			CompressionEnabled: true,
			AuthRequired:       false,
			MessageBufferSize:  100,
		},
		{
			Name:               "production",
			Description:        "Production line data",
			MaxConnections:     150,
			RateLimitPerMinute: 120,
			CompressionEnabled: true,
			AuthRequired:       true,
			MessageBufferSize:  100,
		},
		{
			Name:               "maintenance",
			Description:        "Maintenance information",
			MaxConnections:     50,
			RateLimitPerMinute: 30,
			CompressionEnabled: false,
			AuthRequired:       true,
			MessageBufferSize:  100,
		},
	}
}
