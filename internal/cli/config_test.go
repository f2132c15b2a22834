package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/wellsync/internal/config"
)

func TestConfigCommand_DefaultsAsJSON(t *testing.T) {
	t.Setenv(config.EnvTier, "")
	t.Setenv(config.EnvHTTPAddr, "")

	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"config", "--format", "json", "--tier", "premium"})
	require.NoError(t, cmd.Execute())

	var resp struct {
		Status string     `json:"status"`
		Data   ConfigView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "premium", resp.Data.Tier)
	assert.Equal(t, "200ms", resp.Data.CrisisDeadline)
	assert.Len(t, resp.Data.Tiers, 3)
	assert.Contains(t, resp.Data.Tiers, "trial")
}

func TestConfigCommand_Text(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"config", "--addr", "127.0.0.1:9999"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, buf.String(), "http_addr          127.0.0.1:9999")
	assert.Contains(t, buf.String(), "tier premium")
}

func TestConfigCommand_RejectsUnknownTier(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"config", "--tier", "platinum"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestConfigCommand_MissingFile(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"config", "--config", filepath.Join(t.TempDir(), "absent.cue")})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
