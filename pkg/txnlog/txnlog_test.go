package txnlog_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veloxdb/txncore/pkg/txnlog"
)

func TestInitJSONOutputAndComponentField(t *testing.T) {
	var buf bytes.Buffer
	txnlog.Init(txnlog.Config{Level: txnlog.InfoLevel, JSONOutput: true, Output: &buf})

	logger := txnlog.WithComponent("cleaner")
	logger.Info().Msg("sweep complete")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Equal(t, "cleaner", decoded["component"])
	require.Equal(t, "sweep complete", decoded["message"])
}

func TestWithAttemptAddsField(t *testing.T) {
	var buf bytes.Buffer
	txnlog.Init(txnlog.Config{Level: txnlog.DebugLevel, JSONOutput: true, Output: &buf})
	txnlog.WithAttempt("attempt-1").Warn().Msg("retrying")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Equal(t, "attempt-1", decoded["attempt_id"])
}
