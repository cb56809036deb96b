package tools

import (
	"encoding/json"
	"regexp"
	"strings"
)

// CallParser extracts tool calls from assistant message content. Parsers are
// tried in order; the first one that finds calls wins.
type CallParser interface {
	Parse(content string) []Call
}

// ParseToolCalls extracts tool calls from free-form content. Structured JSON is
// preferred; the regex fallback catches models that emit python-style
// name(arg=value) invocations as plain text.
func ParseToolCalls(content string) []Call {
	for _, parser := range []CallParser{jsonParser{}, regexParser{}} {
		if calls := parser.Parse(content); len(calls) > 0 {
			return calls
		}
	}
	return nil
}

// jsonParser handles content that is itself a JSON document carrying tool
// calls: an object with a tool_calls array, a single function-call object, or
// a bare array of calls.
type jsonParser struct{}

func (jsonParser) Parse(content string) []Call {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil
	}

	if strings.HasPrefix(trimmed, "{") {
		var wrapper struct {
			ToolCalls []Call `json:"tool_calls"`
		}
		if err := json.Unmarshal([]byte(trimmed), &wrapper); err == nil && len(wrapper.ToolCalls) > 0 {
			return normalizeCalls(wrapper.ToolCalls)
		}

		var single struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(trimmed), &single); err == nil && single.Name != "" {
			call := Call{Type: "function"}
			call.Function.Name = single.Name
			call.Function.Arguments = string(single.Arguments)
			return normalizeCalls([]Call{call})
		}
		return nil
	}

	if strings.HasPrefix(trimmed, "[") {
		var calls []Call
		if err := json.Unmarshal([]byte(trimmed), &calls); err == nil {
			return normalizeCalls(calls)
		}
	}
	return nil
}

func normalizeCalls(calls []Call) []Call {
	var out []Call
	for _, call := range calls {
		if call.Function.Name == "" {
			continue
		}
		if call.Type == "" {
			call.Type = "function"
		}
		if strings.TrimSpace(call.Function.Arguments) == "" {
			call.Function.Arguments = "{}"
		}
		out = append(out, call)
	}
	return out
}

var (
	callPattern = regexp.MustCompile(`(\w+)\s*\(\s*(.*?)\s*\)`)
	argPattern  = regexp.MustCompile(`(\w+)\s*=\s*(?:"([^"]*)"|(\d+\.?\d*)|(\w+))`)
)

// regexParser handles name(key="value", n=3) style invocations in plain text.
type regexParser struct{}

func (regexParser) Parse(content string) []Call {
	var calls []Call
	for _, m := range callPattern.FindAllStringSubmatch(content, -1) {
		name, rawArgs := m[1], m[2]
		args := map[string]any{}
		for _, am := range argPattern.FindAllStringSubmatch(rawArgs, -1) {
			key := am[1]
			switch {
			case am[2] != "":
				args[key] = am[2]
			case am[3] != "":
				args[key] = json.Number(am[3])
			case am[4] == "true":
				args[key] = true
			case am[4] == "false":
				args[key] = false
			default:
				args[key] = am[4]
			}
		}

		encoded, err := json.Marshal(args)
		if err != nil {
			continue
		}
		call := Call{Type: "function"}
		call.Function.Name = name
		call.Function.Arguments = string(encoded)
		calls = append(calls, call)
	}
	return calls
}
