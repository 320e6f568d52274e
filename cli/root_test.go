package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd(t *testing.T) {
	t.Run("Should register the shared logging flags", func(t *testing.T) {
		cmd := rootCmd()

		for _, name := range []string{"log-level", "log-json", "log-source", "env-file"} {
			assert.NotNil(t, cmd.PersistentFlags().Lookup(name), "flag %s should be registered", name)
		}
	})

	t.Run("Should fail on a missing env file", func(t *testing.T) {
		cmd := rootCmd()
		cmd.SetArgs([]string{"--env-file", "/nonexistent/.env"})

		err := cmd.ExecuteContext(t.Context())

		require.Error(t, err)
		assert.Contains(t, err.Error(), "loading env file")
	})
}
