package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterBuiltins(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r))

	content, err := r.Execute(context.Background(), "get_current_time", map[string]any{})
	require.NoError(t, err)
	assert.NotEmpty(t, content)

	content, err = r.Execute(context.Background(), "get_current_time", map[string]any{"timezone": "UTC"})
	require.NoError(t, err)
	assert.Contains(t, content, "UTC")

	_, err = r.Execute(context.Background(), "get_current_time", map[string]any{"timezone": "Not/AZone"})
	require.Error(t, err)
}
