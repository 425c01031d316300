package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
)

type Config struct {
	LogLevel string

	// Interval between two heartbeats sent to a transaction's status
	// tablet. Must stay well below TransactionExpiry or the status
	// tablet will consider the transaction abandoned.
	TxnHeartbeatInterval time.Duration
	// How long a status tablet keeps a transaction PENDING without
	// hearing a heartbeat before aborting it.
	TransactionExpiry time.Duration
	// Upper bound on clock skew between any two nodes. Defines the
	// uncertainty window attached to every read point.
	MaxClockSkew time.Duration

	// RPC retry tuning for the tablet invoker.
	RPCInitialBackoff time.Duration
	RPCMaxBackoff     time.Duration
	RPCBackoffFactor  float64

	// DisableHeartbeats stops transactions from heartbeating their
	// status records. Only useful to force expiry in tests.
	DisableHeartbeats bool
}

func (c *Config) Validate() error {
	if c.TxnHeartbeatInterval <= 0 {
		return errors.New("txn heartbeat interval must be greater than 0")
	}
	if c.TransactionExpiry <= c.TxnHeartbeatInterval {
		return errors.New("transaction expiry must be greater than the heartbeat interval")
	}
	if c.MaxClockSkew < 0 {
		return errors.New("max clock skew must not be negative")
	}
	if c.RPCBackoffFactor < 1 {
		return fmt.Errorf("rpc backoff factor %v must be >= 1", c.RPCBackoffFactor)
	}
	return nil
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		LogLevel:             getLogLevel(),
		TxnHeartbeatInterval: 500 * time.Millisecond,
		TransactionExpiry:    3 * time.Second,
		MaxClockSkew:         500 * time.Millisecond,
		RPCInitialBackoff:    10 * time.Millisecond,
		RPCMaxBackoff:        1 * time.Second,
		RPCBackoffFactor:     2,
	}
}

func NewTestConfig() *Config {
	return &Config{
		LogLevel:             getLogLevel(),
		TxnHeartbeatInterval: 20 * time.Millisecond,
		TransactionExpiry:    200 * time.Millisecond,
		MaxClockSkew:         50 * time.Millisecond,
		RPCInitialBackoff:    1 * time.Millisecond,
		RPCMaxBackoff:        20 * time.Millisecond,
		RPCBackoffFactor:     2,
	}
}

// Duration is a TOML-decodable wrapper around time.Duration, so config
// files can say `transaction-expiry = "3s"`.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return errors.Trace(err)
}

// fileConfig mirrors Config with TOML-friendly field types.
type fileConfig struct {
	LogLevel             string   `toml:"log-level"`
	TxnHeartbeatInterval Duration `toml:"txn-heartbeat-interval"`
	TransactionExpiry    Duration `toml:"transaction-expiry"`
	MaxClockSkew         Duration `toml:"max-clock-skew"`
	RPCInitialBackoff    Duration `toml:"rpc-initial-backoff"`
	RPCMaxBackoff        Duration `toml:"rpc-max-backoff"`
	RPCBackoffFactor     float64  `toml:"rpc-backoff-factor"`
	DisableHeartbeats    bool     `toml:"disable-heartbeats"`
}

// Load reads a TOML file over the defaults. Keys absent from the file
// keep their default values.
func Load(path string) (*Config, error) {
	c := NewDefaultConfig()
	fc := fileConfig{
		LogLevel:             c.LogLevel,
		TxnHeartbeatInterval: Duration{c.TxnHeartbeatInterval},
		TransactionExpiry:    Duration{c.TransactionExpiry},
		MaxClockSkew:         Duration{c.MaxClockSkew},
		RPCInitialBackoff:    Duration{c.RPCInitialBackoff},
		RPCMaxBackoff:        Duration{c.RPCMaxBackoff},
		RPCBackoffFactor:     c.RPCBackoffFactor,
	}
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return nil, errors.Annotatef(err, "load config %s", path)
	}
	c.LogLevel = fc.LogLevel
	c.TxnHeartbeatInterval = fc.TxnHeartbeatInterval.Duration
	c.TransactionExpiry = fc.TransactionExpiry.Duration
	c.MaxClockSkew = fc.MaxClockSkew.Duration
	c.RPCInitialBackoff = fc.RPCInitialBackoff.Duration
	c.RPCMaxBackoff = fc.RPCMaxBackoff.Duration
	c.RPCBackoffFactor = fc.RPCBackoffFactor
	c.DisableHeartbeats = fc.DisableHeartbeats
	if err := c.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return c, nil
}
