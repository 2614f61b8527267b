package status

import (
	"context"
	"fmt"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollect(t *testing.T) {
	c := NewCollector("")
	s := c.Collect(context.Background())
	require.NotNil(t, s)

	assert.GreaterOrEqual(t, s.ServiceUptimeSeconds, int64(0))
	assert.GreaterOrEqual(t, s.CPUPercent, 0.0)

	c.SetEngineStats(s, 2, 5, 7)
	c.SetSSHConnections(s, map[string]bool{"prod": true})
	assert.Equal(t, 2, s.ActiveForwards)
	assert.Equal(t, 5, s.TotalForwards)
	assert.Equal(t, int64(7), s.ActiveConnections)
	assert.True(t, s.SSHConnections["prod"])
}

func TestPortOwner(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	owner := PortOwner(port)
	if owner == "" {
		t.Skip("connection table not readable here")
	}
	assert.Contains(t, owner, fmt.Sprintf("pid %d", os.Getpid()))
}

func TestPortOwnerUnused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	assert.Empty(t, PortOwner(port))
}
