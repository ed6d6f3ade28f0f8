package commands

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := NewVersionCommand()
	cmd.SetOut(&out)
	cmd.SetArgs(nil)

	require.NoError(t, cmd.Execute())
	assert.Equal(t, Version+"\n", out.String())
}

func TestInitRejectsBadAuthConfig(t *testing.T) {
	t.Setenv("CHATGATEWAY_AUTH_MODE", "jwt")
	t.Setenv("CHATGATEWAY_LOGGER_FORMAT", "console")

	app := NewApplication(t.TempDir())
	defer app.Stop()

	err := app.Init()
	assert.ErrorContains(t, err, "verifier")
}

func TestInitWiresInMemoryStack(t *testing.T) {
	t.Setenv("CHATGATEWAY_LOGGER_FORMAT", "console")

	app := NewApplication(t.TempDir())
	defer app.Stop()

	require.NoError(t, app.Init())
	assert.Nil(t, app.kafkaProducer)
	assert.Nil(t, app.presenceStore)
	assert.NotNil(t, app.server)
	assert.Equal(t, app.history, app.chatLog)
}
