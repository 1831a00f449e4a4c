package replication

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Config is the user-visible configuration for the Postgres logical
// replication Change Source. Grounded on teacher's Bind/Preflight
// config shape in internal/source/server/config.go.
type Config struct {
	ConnString     string
	SlotName       string
	Publication    string
	StatusInterval time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Bind registers flags.
func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.StringVar(&c.ConnString, "upstreamConn", "",
		"a libpq-style connection string for the upstream Postgres primary")
	flags.StringVar(&c.SlotName, "replicationSlot", "zero_sync",
		"the name of the upstream logical replication slot to create or use")
	flags.StringVar(&c.Publication, "publication", "zero_sync",
		"the name of the upstream PUBLICATION to subscribe to")
	flags.DurationVar(&c.StatusInterval, "statusInterval", 10*time.Second,
		"how often to send a standby status update to the upstream primary")
	flags.DurationVar(&c.InitialBackoff, "reconnectInitialBackoff", 100*time.Millisecond,
		"initial delay before retrying a dropped replication connection")
	flags.DurationVar(&c.MaxBackoff, "reconnectMaxBackoff", 10*time.Second,
		"maximum delay between replication reconnect attempts")
}

// Preflight validates the configuration.
func (c *Config) Preflight() error {
	if c.ConnString == "" {
		return errors.New("upstreamConn unset")
	}
	if c.SlotName == "" {
		return errors.New("replicationSlot unset")
	}
	if c.Publication == "" {
		return errors.New("publication unset")
	}
	if c.StatusInterval <= 0 {
		return errors.New("statusInterval must be positive")
	}
	if c.InitialBackoff <= 0 {
		return errors.New("reconnectInitialBackoff must be positive")
	}
	if c.MaxBackoff < c.InitialBackoff {
		return errors.New("reconnectMaxBackoff must be >= reconnectInitialBackoff")
	}
	return nil
}
