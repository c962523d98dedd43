package upstream

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const codexEndpoint = "https://chatgpt.com/backend-api/codex/responses"

// buildCodexEnvelope applies the forced transformations spec.md §6.2
// requires of every Codex responses-API call: system messages are hoisted
// out of input into instructions, parallel_tool_calls/stream/store are
// forced, and reasoning.encrypted_content is requested whenever reasoning
// is configured.
func buildCodexEnvelope(body []byte) ([]byte, error) {
	out := append([]byte(nil), body...)

	instructions, remaining, err := hoistSystemMessages(out)
	if err != nil {
		return nil, err
	}
	out = remaining
	if instructions != "" {
		existing := gjson.GetBytes(out, "instructions").String()
		if existing != "" {
			instructions = existing + "\n\n" + instructions
		}
		if out, err = sjson.SetBytes(out, "instructions", instructions); err != nil {
			return nil, err
		}
	}

	if out, err = sjson.SetBytes(out, "parallel_tool_calls", true); err != nil {
		return nil, err
	}
	if out, err = sjson.SetBytes(out, "stream", true); err != nil {
		return nil, err
	}
	if out, err = sjson.SetBytes(out, "store", false); err != nil {
		return nil, err
	}

	if gjson.GetBytes(out, "reasoning").Exists() {
		out, err = ensureInclude(out, "reasoning.encrypted_content")
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// hoistSystemMessages removes every role=system entry from input, returning
// their concatenated text (blank-line separated) and the pruned body.
func hoistSystemMessages(body []byte) (string, []byte, error) {
	input := gjson.GetBytes(body, "input")
	if !input.IsArray() {
		return "", body, nil
	}
	var instructions []string
	var kept []gjson.Result
	for _, msg := range input.Array() {
		if msg.Get("role").String() == "system" {
			if text := msg.Get("content").String(); text != "" {
				instructions = append(instructions, text)
			}
			continue
		}
		kept = append(kept, msg)
	}
	if len(kept) == len(input.Array()) {
		return "", body, nil
	}
	out, err := sjson.DeleteBytes(body, "input")
	if err != nil {
		return "", nil, err
	}
	for _, msg := range kept {
		if out, err = sjson.SetRawBytes(out, "input.-1", []byte(msg.Raw)); err != nil {
			return "", nil, err
		}
	}
	joined := ""
	for i, s := range instructions {
		if i > 0 {
			joined += "\n\n"
		}
		joined += s
	}
	return joined, out, nil
}

func ensureInclude(body []byte, key string) ([]byte, error) {
	for _, v := range gjson.GetBytes(body, "include").Array() {
		if v.String() == key {
			return body, nil
		}
	}
	return sjson.SetBytes(body, "include.-1", key)
}
