package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	logger, sync, err := New(Config{AppName: "fern", Level: "debug"})
	require.NoError(t, err)
	require.NotNil(t, logger)
	require.NotNil(t, sync)

	logger.WithField("job_id", "abc").Debug("hello")
}

func TestNew_Pretty(t *testing.T) {
	logger, _, err := New(Config{Level: "info", Pretty: true})
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestNew_InvalidLevel(t *testing.T) {
	_, _, err := New(Config{Level: "loud"})
	assert.ErrorContains(t, err, "invalid log level")
}
