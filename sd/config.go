package sd

import (
	"fmt"
	"strconv"

	"github.com/linchenxuan/pipc/network/socket"
)

// Config is the daemon section of the configuration.
type Config struct {
	// MaxProviders bounds the provider registry.
	MaxProviders int `mapstructure:"maxProviders"`
	// Grants maps a process name to the ServiceIDs it may register providers and
	// users for. A process without an entry is unrestricted.
	Grants map[string][]uint64 `mapstructure:"grants"`
}

// DefaultConfig returns a daemon config with room for 256 providers.
func DefaultConfig() Config {
	return Config{MaxProviders: 256}
}

// GetName returns the config section name.
func (c *Config) GetName() string {
	return "daemon"
}

// Validate checks the registry bound.
func (c *Config) Validate() error {
	if c.MaxProviders <= 0 {
		return fmt.Errorf("maxProviders must be positive, got %d", c.MaxProviders)
	}
	return nil
}

// Paths names the files of one PIPC domain. Every name starts with Prefix.
type Paths struct {
	Prefix string
}

// ProcReg is the daemon's registration socket.
func (p Paths) ProcReg() string { return p.Prefix + "proc_reg.sock" }

// Lock is held by the running daemon.
func (p Paths) Lock() string { return p.Prefix + "pipcd.lock" }

// SdSocket is the socket between the daemon and node.
func (p Paths) SdSocket(node socket.NodeID) string {
	return p.Prefix + "sd_sockets" + strconv.Itoa(int(node))
}

// ProcSocket is the socket shared by the two nodes of PairID id.
func (p Paths) ProcSocket(id uint32) string {
	return p.Prefix + "proc_sockets" + strconv.FormatUint(uint64(id), 10)
}

// PairID names the socket between a and b, in either order.
func PairID(a, b socket.NodeID) uint32 {
	if a > b {
		a, b = b, a
	}
	return uint32(a)<<16 | uint32(b)
}

// PairMode is the connection mode self uses on the socket it shares with peer. The
// lower node sees the channels straight, the higher one crossed.
func PairMode(self, peer socket.NodeID) socket.ConnectionMode {
	switch {
	case self == peer:
		return socket.Loopback
	case self < peer:
		return socket.Straight
	default:
		return socket.Crossover
	}
}
