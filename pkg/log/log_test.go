package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{Level: "warn", JSON: true, Output: &buf})
	defer Init(Options{})

	logger := Component("test")
	logger.Info().Msg("dropped")
	logger.Warn().Msg("kept")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}

func TestInitUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{Level: "chatty", JSON: true, Output: &buf})
	defer Init(Options{})

	logger := Component("test")
	logger.Info().Msg("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestForWorkflowFields(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{Level: "debug", JSON: true, Output: &buf})
	defer Init(Options{})

	workflowID := uuid.New()
	rayID := uuid.New()
	logger := ForWorkflow(workflowID, rayID, "echo")
	logger.Info().Msg("turn")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, workflowID.String(), line["workflow_id"])
	assert.Equal(t, rayID.String(), line["ray_id"])
	assert.Equal(t, "echo", line["workflow_name"])
}

func TestWithRayFields(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{Level: "debug", JSON: true, Output: &buf})
	defer Init(Options{})

	rayID := uuid.New()
	reqID := uuid.New()
	logger := WithRay(Component("chirp"), rayID, reqID)
	logger.Info().Msg("rpc")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "chirp", line["component"])
	assert.Equal(t, rayID.String(), line["ray_id"])
	assert.Equal(t, reqID.String(), line["req_id"])
}
