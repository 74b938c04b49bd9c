// Package config reads the relay's environment configuration. Every value
// has a documented default so the server starts with no environment at all.
package config

import "os"

const (
	// DefaultPort is the listen port for client websocket connections.
	DefaultPort = "8083"
	// DefaultARIURL is the base URL of the Asterisk REST Interface.
	DefaultARIURL = "http://127.0.0.1:8082"
	// DefaultARIUser and DefaultARIPassword are Asterisk's stock credentials.
	DefaultARIUser     = "asterisk"
	DefaultARIPassword = "asterisk"
	// DefaultARIApp is the Stasis application name registered on the events
	// websocket.
	DefaultARIApp = "chat-call-app"
)

type Config struct {
	Port        string
	ARIURL      string
	ARIUser     string
	ARIPassword string
	ARIApp      string
}

// FromEnv builds a Config from PORT, ARI_URL, ARI_USER, ARI_PASSWORD and
// ARI_APP, falling back to the defaults above for unset variables.
func FromEnv() Config {
	return Config{
		Port:        getenv("PORT", DefaultPort),
		ARIURL:      getenv("ARI_URL", DefaultARIURL),
		ARIUser:     getenv("ARI_USER", DefaultARIUser),
		ARIPassword: getenv("ARI_PASSWORD", DefaultARIPassword),
		ARIApp:      getenv("ARI_APP", DefaultARIApp),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
