// Package runtime is the per-process PIPC context. A Runtime registers the process
// with the daemon, owns the process's sockets and port table, and hosts the
// Providers and Users of the process.
package runtime

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/linchenxuan/pipc/network/socket"
)

// Build information, set with -ldflags "-X".
var (
	_buildTimeStr string        // build time as "2006-01-02 15:04:05"
	_buildTime    uint32        // parsed _buildTimeStr, as a UNIX timestamp
	_version      atomic.Uint32 // explicitly set version
)

// Identity names one running process in a PIPC domain.
type Identity struct {
	Name     string
	UID      uint32
	Node     socket.NodeID
	Instance uuid.UUID
}

// String renders the identity as "name.node.instance".
func (id Identity) String() string {
	var sb strings.Builder
	sb.Grow(len(id.Name) + 44)
	_, _ = sb.WriteString(id.Name)
	_, _ = sb.WriteString(".")
	_, _ = sb.WriteString(strconv.Itoa(int(id.Node)))
	_, _ = sb.WriteString(".")
	_, _ = sb.WriteString(id.Instance.String())
	return sb.String()
}

// ParseIdentity is the inverse of Identity.String. The UID is not part of the text.
func ParseIdentity(s string) (Identity, error) {
	inst := strings.LastIndexByte(s, '.')
	if inst < 0 {
		return Identity{}, fmt.Errorf("identity '%s' has an invalid format", s)
	}
	node := strings.LastIndexByte(s[:inst], '.')
	if node <= 0 {
		return Identity{}, fmt.Errorf("identity '%s' has an invalid format", s)
	}
	n, err := strconv.ParseUint(s[node+1:inst], 10, 16)
	if err != nil {
		return Identity{}, fmt.Errorf("identity '%s' has an invalid node: %w", s, err)
	}
	u, err := uuid.Parse(s[inst+1:])
	if err != nil {
		return Identity{}, fmt.Errorf("identity '%s' has an invalid instance: %w", s, err)
	}
	return Identity{Name: s[:node], Node: socket.NodeID(n), Instance: u}, nil
}

// GetBuildTime returns the build time as a UNIX timestamp, or 0 when unknown.
func GetBuildTime() uint32 {
	if _buildTime == 0 && _buildTimeStr != "" {
		tmp, err := time.Parse("2006-01-02 15:04:05", _buildTimeStr)
		if err != nil {
			return 0
		}
		_buildTime = uint32(tmp.Unix())
	}
	return _buildTime
}

// SetVersion sets the version once.
func SetVersion(v uint32) error {
	if v == 0 {
		return errors.New("version is not set")
	}
	if !_version.CompareAndSwap(0, v) {
		return fmt.Errorf("version has already been set to %d", _version.Load())
	}
	return nil
}

// GetVersion returns the version given to SetVersion, falling back to the build time.
func GetVersion() uint32 {
	if v := _version.Load(); v != 0 {
		return v
	}
	return GetBuildTime()
}
