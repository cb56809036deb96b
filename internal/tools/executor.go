package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"

	"github.com/google/uuid"
)

// Call is one tool invocation as it appears in an assistant message.
type Call struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// Result is the tool-role message produced for one call.
type Result struct {
	CallID  string `json:"tool_call_id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Execute runs one registered tool. Argument validation failures, handler
// errors, and handler panics all come back as an error-shaped content string so
// the model sees what went wrong instead of the exchange aborting.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (content string, err error) {
	tool, ok := r.Get(name)
	if !ok {
		return errContent(fmt.Sprintf("unknown tool: %s", name)), fmt.Errorf("unknown tool: %s", name)
	}

	if err := validateArgs(tool.Parameters, args); err != nil {
		return errContent(err.Error()), err
	}

	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("❌ Tool %s panicked: %v", name, rec)
			err = fmt.Errorf("tool %s panicked: %v", name, rec)
			content = errContent(err.Error())
		}
	}()

	result, err := tool.Handler(ctx, args)
	if err != nil {
		return errContent(err.Error()), err
	}
	return serializeResult(result), nil
}

// ExecuteBatch runs every call in order and returns one tool message per call,
// order preserved. Calls without an id get a generated one; unparsable argument
// strings degrade to empty arguments rather than aborting the batch.
func (r *Registry) ExecuteBatch(ctx context.Context, calls []Call) []Result {
	results := make([]Result, 0, len(calls))
	for _, call := range calls {
		id := call.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}

		args := map[string]any{}
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				log.Printf("⚠️ Unparsable arguments for tool %s, using empty args: %v", call.Function.Name, err)
				args = map[string]any{}
			}
		}

		content, err := r.Execute(ctx, call.Function.Name, args)
		if err != nil {
			log.Printf("⚠️ Tool %s failed: %v", call.Function.Name, err)
		}
		results = append(results, Result{CallID: id, Role: "tool", Content: content})
	}
	return results
}

func validateArgs(schema Schema, args map[string]any) error {
	for _, name := range schema.Required {
		if _, ok := args[name]; !ok {
			return fmt.Errorf("missing required argument: %s", name)
		}
	}
	for name, value := range args {
		prop, ok := schema.Properties[name]
		if !ok {
			continue
		}
		if err := checkType(name, prop.Type, value); err != nil {
			return err
		}
	}
	return nil
}

func checkType(name, want string, value any) error {
	switch want {
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Errorf("argument %s must be a string", name)
		}
	case "integer":
		f, ok := value.(float64)
		if !ok || f != float64(int64(f)) {
			return fmt.Errorf("argument %s must be an integer", name)
		}
	case "number":
		if _, ok := value.(float64); !ok {
			return fmt.Errorf("argument %s must be a number", name)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("argument %s must be a boolean", name)
		}
	}
	return nil
}

// serializeResult turns a handler return value into message content. Scalars
// are rendered directly; everything else is JSON.
func serializeResult(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return errContent(fmt.Sprintf("unserializable result: %v", err))
		}
		return string(encoded)
	}
}

func errContent(msg string) string {
	encoded, _ := json.Marshal(map[string]string{"error": msg})
	return string(encoded)
}
