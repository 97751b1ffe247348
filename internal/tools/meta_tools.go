package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/envoyhq/envoy/internal/store"
)

// Meta-tools are built-ins exposed to the model that mutate the catalogs.
// Every failure comes back as a readable string in the tool result so the
// model can correct itself and retry.

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

func validateName(name string) error {
	if name == "" {
		return errors.New("name is required")
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid name %q: must match ^[a-z][a-z0-9_]*$", name)
	}
	return nil
}

// schemaArg accepts an input schema as either a JSON string or an inline
// object and returns it as a canonical string.
func schemaArg(v interface{}) (string, error) {
	switch s := v.(type) {
	case nil:
		return `{"type":"object"}`, nil
	case string:
		if strings.TrimSpace(s) == "" {
			return `{"type":"object"}`, nil
		}
		return s, nil
	default:
		data, err := json.Marshal(s)
		if err != nil {
			return "", fmt.Errorf("input_schema is not serializable: %w", err)
		}
		return string(data), nil
	}
}

// validateInputSchema enforces the persistence rules: the schema must parse,
// the root must be an object (arrays rejected), and it must compile as JSON
// Schema.
func validateInputSchema(raw string) error {
	var parsed interface{}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return fmt.Errorf("input_schema is not valid JSON: %v", err)
	}
	if _, ok := parsed.([]interface{}); ok {
		return errors.New("input_schema root must be an object, not an array")
	}
	if _, ok := parsed.(map[string]interface{}); !ok {
		return errors.New("input_schema root must be an object")
	}
	if _, err := jsonschema.CompileString("input_schema.json", raw); err != nil {
		return fmt.Errorf("input_schema is not a valid JSON Schema: %v", err)
	}
	return nil
}

func stringArg(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

func optionalString(args map[string]interface{}, key string) *string {
	v, ok := args[key]
	if !ok {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return &s
}

func optionalBool(args map[string]interface{}, key string) *bool {
	v, ok := args[key]
	if !ok {
		return nil
	}
	b, ok := v.(bool)
	if !ok {
		return nil
	}
	return &b
}

type createToolTool struct {
	catalog *Catalog
}

func (t *createToolTool) Name() string { return "create_tool" }
func (t *createToolTool) Description() string {
	return "Create a new custom tool. The code is the body of an async JavaScript function with bindings: input (parsed arguments), http (get/post/put/patch/delete), env (process environment). The tool becomes available as custom_<name> on the next turn."
}
func (t *createToolTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name":         map[string]interface{}{"type": "string", "description": "Tool name, lowercase with underscores"},
			"description":  map[string]interface{}{"type": "string", "description": "What the tool does"},
			"input_schema": map[string]interface{}{"type": "object", "description": "JSON Schema for the tool's input"},
			"code":         map[string]interface{}{"type": "string", "description": "Async function body"},
		},
		"required": []string{"name", "description", "code"},
	}
}

func (t *createToolTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	name := stringArg(args, "name")
	if err := validateName(name); err != nil {
		return ErrorResult("Error: " + err.Error())
	}
	code := stringArg(args, "code")
	if strings.TrimSpace(code) == "" {
		return ErrorResult("Error: code is required")
	}
	schema, err := schemaArg(args["input_schema"])
	if err != nil {
		return ErrorResult("Error: " + err.Error())
	}
	if err := validateInputSchema(schema); err != nil {
		return ErrorResult("Error: " + err.Error())
	}
	if err := t.catalog.exec.Validate(code); err != nil {
		return ErrorResult(fmt.Sprintf("Error: code does not compile: %v", err))
	}

	tool := &store.CustomTool{
		Name:        name,
		Description: stringArg(args, "description"),
		InputSchema: schema,
		Code:        code,
		Enabled:     true,
	}
	if err := t.catalog.store.CreateCustomTool(tool); err != nil {
		if errors.Is(err, store.ErrDuplicateName) {
			return ErrorResult(fmt.Sprintf("Error: a tool named %q already exists", name))
		}
		return ErrorResult("Error: " + err.Error())
	}
	return NewResult(fmt.Sprintf("Created tool %q. It is available as custom_%s starting next step.", name, name))
}

type updateToolTool struct {
	catalog *Catalog
}

func (t *updateToolTool) Name() string { return "update_tool" }
func (t *updateToolTool) Description() string {
	return "Update an existing custom tool's description, input_schema, code, or enabled flag. Omitted fields are left unchanged."
}
func (t *updateToolTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name":         map[string]interface{}{"type": "string"},
			"description":  map[string]interface{}{"type": "string"},
			"input_schema": map[string]interface{}{"type": "object"},
			"code":         map[string]interface{}{"type": "string"},
			"enabled":      map[string]interface{}{"type": "boolean"},
		},
		"required": []string{"name"},
	}
}

func (t *updateToolTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	name := stringArg(args, "name")
	if name == "" {
		return ErrorResult("Error: name is required")
	}

	upd := store.ToolUpdate{
		Description: optionalString(args, "description"),
		Enabled:     optionalBool(args, "enabled"),
	}
	if v, ok := args["input_schema"]; ok {
		schema, err := schemaArg(v)
		if err != nil {
			return ErrorResult("Error: " + err.Error())
		}
		if err := validateInputSchema(schema); err != nil {
			return ErrorResult("Error: " + err.Error())
		}
		upd.InputSchema = &schema
	}
	if code := optionalString(args, "code"); code != nil {
		if err := t.catalog.exec.Validate(*code); err != nil {
			return ErrorResult(fmt.Sprintf("Error: code does not compile: %v", err))
		}
		upd.Code = code
	}

	if _, err := t.catalog.store.UpdateCustomTool(name, upd); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrorResult(fmt.Sprintf("Error: no tool named %q", name))
		}
		return ErrorResult("Error: " + err.Error())
	}
	return NewResult(fmt.Sprintf("Updated tool %q. Changes take effect on the next step.", name))
}

type deleteToolTool struct {
	catalog *Catalog
}

func (t *deleteToolTool) Name() string        { return "delete_tool" }
func (t *deleteToolTool) Description() string { return "Delete a custom tool by name" }
func (t *deleteToolTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name": map[string]interface{}{"type": "string"},
		},
		"required": []string{"name"},
	}
}

func (t *deleteToolTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	name := stringArg(args, "name")
	if err := t.catalog.store.DeleteCustomTool(name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrorResult(fmt.Sprintf("Error: no tool named %q", name))
		}
		return ErrorResult("Error: " + err.Error())
	}
	return NewResult(fmt.Sprintf("Deleted tool %q.", name))
}

type listToolsTool struct {
	catalog *Catalog
}

func (t *listToolsTool) Name() string        { return "list_tools" }
func (t *listToolsTool) Description() string { return "List all custom tools with their status" }
func (t *listToolsTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}

func (t *listToolsTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	tools, err := t.catalog.store.ListCustomTools()
	if err != nil {
		return ErrorResult("Error: " + err.Error())
	}
	if len(tools) == 0 {
		return NewResult("No custom tools exist yet.")
	}

	var b strings.Builder
	for _, tool := range tools {
		status := "enabled"
		if !tool.Enabled {
			status = "disabled"
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", tool.Name, status, tool.Description)
	}
	return NewResult(b.String())
}

type testToolTool struct {
	catalog *Catalog
}

func (t *testToolTool) Name() string { return "test_tool" }
func (t *testToolTool) Description() string {
	return "Run a stored custom tool with a test input and return its raw result"
}
func (t *testToolTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name":       map[string]interface{}{"type": "string"},
			"test_input": map[string]interface{}{"type": "object", "description": "Input object passed to the tool"},
		},
		"required": []string{"name"},
	}
}

func (t *testToolTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	name := stringArg(args, "name")
	tool, err := t.catalog.store.GetCustomTool(name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrorResult(fmt.Sprintf("Error: no tool named %q", name))
		}
		return ErrorResult("Error: " + err.Error())
	}

	input, _ := args["test_input"].(map[string]interface{})
	out := t.catalog.exec.Execute(ctx, tool.Code, input, envSnapshot())
	return NewResult(out)
}
