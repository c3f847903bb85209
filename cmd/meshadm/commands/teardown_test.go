package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTeardown(t *testing.T) {
	cmd := Teardown()

	require.NotNil(t, cmd)
	assert.Equal(t, "teardown", cmd.Use)
	assert.Equal(t, "Reset every node and clear local state", cmd.Short)
}

func TestTeardown_Flags(t *testing.T) {
	cmd := Teardown()

	flag := cmd.Flags().Lookup("config")
	require.NotNil(t, flag, "config flag should exist")
	assert.Equal(t, "c", flag.Shorthand)

	flag = cmd.Flags().Lookup("force")
	require.NotNil(t, flag, "force flag should exist")
	assert.Equal(t, "false", flag.DefValue)

	flag = cmd.Flags().Lookup("down-mesh")
	require.NotNil(t, flag, "down-mesh flag should exist")
	assert.Equal(t, "false", flag.DefValue)
}

func TestTeardown_RunE(t *testing.T) {
	cmd := Teardown()
	assert.NotNil(t, cmd.RunE, "Teardown command should have RunE function")
}

func TestTeardown_LongDescription(t *testing.T) {
	cmd := Teardown()

	assert.Contains(t, cmd.Long, "kubeadm reset")
	assert.Contains(t, cmd.Long, "WARNING")
}
