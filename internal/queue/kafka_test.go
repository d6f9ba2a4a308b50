package queue

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureTopic_NoBrokers(t *testing.T) {
	err := EnsureTopic(nil, "weather-notifications", 3, 1)
	assert.EqualError(t, err, "no kafka brokers configured")
}

func TestEnsureTopic_UnreachableBroker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	err = EnsureTopic([]string{addr}, "weather-notifications", 3, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to dial broker")
}
