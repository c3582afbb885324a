package httpapi

import "time"

// heartbeatInterval controls keep-alive comment framing on event streams so
// intermediaries don't reap idle connections.
var heartbeatInterval = 5 * time.Second

// SetHeartbeatInterval configures the keep-alive interval (<=0 restores the default).
func SetHeartbeatInterval(d time.Duration) {
	if d <= 0 {
		heartbeatInterval = 5 * time.Second
		return
	}
	heartbeatInterval = d
}

// CORS configuration (opt-in). If disabled, no CORS middleware is added.
var (
	corsEnabled        bool
	corsAllowedOrigins []string
	corsAllowedMethods []string
	corsAllowedHeaders []string
)

// SetCORSOptions configures CORS behavior for the HTTP server.
func SetCORSOptions(enabled bool, origins, methods, headers []string) {
	corsEnabled = enabled
	corsAllowedOrigins = append([]string(nil), origins...)
	corsAllowedMethods = append([]string(nil), methods...)
	corsAllowedHeaders = append([]string(nil), headers...)
}
