package sharecode

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// responseSchema describes a GetNextMatchSharingCode body. Either spelling of
// the next-code key is accepted.
func responseSchema() map[string]any {
	code := map[string]any{"type": "string"}
	return map[string]any{
		"type":     "object",
		"required": []string{"result"},
		"properties": map[string]any{
			"result": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"nextcode":  code,
					"next_code": code,
				},
			},
		},
	}
}

func compileSchema(schemaMap map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("nextcode.json", bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	return compiler.Compile("nextcode.json")
}

type nextCodeResponse struct {
	Result struct {
		NextCode    string `json:"nextcode"`
		NextCodeAlt string `json:"next_code"`
	} `json:"result"`
}

// parseNextCode validates body and returns the next share code, or "" when
// the response carries none.
func parseNextCode(schema *jsonschema.Schema, body []byte) (string, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return "", fmt.Errorf("response does not match schema: %w", err)
	}
	var resp nextCodeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	code := resp.Result.NextCode
	if code == "" {
		code = resp.Result.NextCodeAlt
	}
	if code == "n/a" {
		code = ""
	}
	return code, nil
}
