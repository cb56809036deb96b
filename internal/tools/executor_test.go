package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEchoRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Register(Tool{
		Name: "echo",
		Parameters: NewSchema().
			String("text", "text to echo").
			Integer("repeat", "repeat count").
			Boolean("upper", "uppercase the output").
			Required("text").
			Build(),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			text := args["text"].(string)
			if up, _ := args["upper"].(bool); up {
				text = strings.ToUpper(text)
			}
			return text, nil
		},
	}))
	return r
}

func TestExecute_Success(t *testing.T) {
	r := newEchoRegistry(t)
	content, err := r.Execute(context.Background(), "echo", map[string]any{"text": "hi", "upper": true})
	require.NoError(t, err)
	assert.Equal(t, "HI", content)
}

func TestExecute_UnknownTool(t *testing.T) {
	r := newEchoRegistry(t)
	content, err := r.Execute(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.Contains(t, content, "unknown tool")
}

func TestExecute_MissingRequired(t *testing.T) {
	r := newEchoRegistry(t)
	content, err := r.Execute(context.Background(), "echo", map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required argument: text")
	assert.Contains(t, content, "error")
}

func TestExecute_TypeChecks(t *testing.T) {
	r := newEchoRegistry(t)

	// JSON numbers decode as float64; an integral value passes an integer check.
	_, err := r.Execute(context.Background(), "echo", map[string]any{"text": "x", "repeat": float64(3)})
	assert.NoError(t, err)

	_, err = r.Execute(context.Background(), "echo", map[string]any{"text": "x", "repeat": float64(3.5)})
	assert.Error(t, err)

	_, err = r.Execute(context.Background(), "echo", map[string]any{"text": 42})
	assert.Error(t, err)

	_, err = r.Execute(context.Background(), "echo", map[string]any{"text": "x", "upper": "yes"})
	assert.Error(t, err)
}

func TestExecute_HandlerErrorBecomesContent(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Tool{
		Name: "fail",
		Handler: func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("backend unavailable")
		},
	}))

	content, err := r.Execute(context.Background(), "fail", map[string]any{})
	require.Error(t, err)

	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(content), &payload))
	assert.Equal(t, "backend unavailable", payload["error"])
}

func TestExecute_PanicRecovered(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Tool{
		Name: "boom",
		Handler: func(context.Context, map[string]any) (any, error) {
			panic("kaboom")
		},
	}))

	content, err := r.Execute(context.Background(), "boom", map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Contains(t, content, "kaboom")
}

func TestSerializeResult(t *testing.T) {
	assert.Equal(t, "", serializeResult(nil))
	assert.Equal(t, "plain", serializeResult("plain"))
	assert.Equal(t, "true", serializeResult(true))
	assert.Equal(t, "7", serializeResult(7))
	assert.Equal(t, "2.5", serializeResult(2.5))
	assert.Equal(t, `{"a":1}`, serializeResult(map[string]int{"a": 1}))
}

func TestExecuteBatch(t *testing.T) {
	r := newEchoRegistry(t)

	call := func(id, name, args string) Call {
		c := Call{ID: id, Type: "function"}
		c.Function.Name = name
		c.Function.Arguments = args
		return c
	}

	results := r.ExecuteBatch(context.Background(), []Call{
		call("call_1", "echo", `{"text":"one"}`),
		call("", "echo", `{"text":"two"}`),
		call("call_3", "echo", `not json`),
		call("call_4", "missing", `{}`),
	})

	require.Len(t, results, 4)
	for _, res := range results {
		assert.Equal(t, "tool", res.Role)
	}

	assert.Equal(t, "call_1", results[0].CallID)
	assert.Equal(t, "one", results[0].Content)

	assert.NotEmpty(t, results[1].CallID, "missing call id must be generated")
	assert.Equal(t, "two", results[1].Content)

	// Unparsable arguments degrade to empty args, which then fail validation.
	assert.Equal(t, "call_3", results[2].CallID)
	assert.Contains(t, results[2].Content, "missing required argument")

	assert.Contains(t, results[3].Content, "unknown tool")
}
