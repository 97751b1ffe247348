package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/envoyhq/envoy/internal/integrations"
	"github.com/envoyhq/envoy/internal/store"
)

// configSchemaArg parses a config_schema argument: a list of {key, label,
// required} objects, inline or as a JSON string.
func configSchemaArg(v interface{}) ([]store.ConfigField, error) {
	if v == nil {
		return nil, nil
	}
	var raw []byte
	switch s := v.(type) {
	case string:
		raw = []byte(s)
	default:
		data, err := json.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("config_schema is not serializable: %w", err)
		}
		raw = data
	}
	var fields []store.ConfigField
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("config_schema must be a list of {key, label, required} objects: %v", err)
	}
	for _, f := range fields {
		if f.Key == "" {
			return nil, errors.New("config_schema entries need a non-empty key")
		}
	}
	return fields, nil
}

type createIntegrationTool struct {
	catalog *Catalog
}

func (t *createIntegrationTool) Name() string { return "create_integration" }
func (t *createIntegrationTool) Description() string {
	return "Create a named integration: a group of tools sharing credentials. config_schema declares the credential keys the user must provide, e.g. [{\"key\":\"GITHUB_TOKEN\",\"label\":\"Access token\",\"required\":true}]."
}
func (t *createIntegrationTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name":          map[string]interface{}{"type": "string"},
			"description":   map[string]interface{}{"type": "string"},
			"config_schema": map[string]interface{}{"type": "array", "description": "Credential fields: key, label, required"},
		},
		"required": []string{"name", "description"},
	}
}

func (t *createIntegrationTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	name := stringArg(args, "name")
	if err := validateName(name); err != nil {
		return ErrorResult("Error: " + err.Error())
	}
	schema, err := configSchemaArg(args["config_schema"])
	if err != nil {
		return ErrorResult("Error: " + err.Error())
	}

	in := &store.Integration{
		Name:         name,
		Description:  stringArg(args, "description"),
		ConfigSchema: schema,
		Enabled:      true,
	}
	if err := t.catalog.store.CreateIntegration(in); err != nil {
		if errors.Is(err, store.ErrDuplicateName) {
			return ErrorResult(fmt.Sprintf("Error: an integration named %q already exists", name))
		}
		return ErrorResult("Error: " + err.Error())
	}

	msg := fmt.Sprintf("Created integration %q.", name)
	if len(schema) > 0 {
		var keys []string
		for _, f := range schema {
			keys = append(keys, f.Key)
		}
		msg += fmt.Sprintf(" The user must configure: %s.", strings.Join(keys, ", "))
	}
	return NewResult(msg)
}

type addIntegrationToolTool struct {
	catalog *Catalog
}

func (t *addIntegrationToolTool) Name() string { return "add_integration_tool" }
func (t *addIntegrationToolTool) Description() string {
	return "Add a tool to an existing integration. The tool is exposed as <integration>_<name> and its code can read the integration's credentials from env."
}
func (t *addIntegrationToolTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"integration_name": map[string]interface{}{"type": "string"},
			"name":             map[string]interface{}{"type": "string"},
			"description":      map[string]interface{}{"type": "string"},
			"input_schema":     map[string]interface{}{"type": "object"},
			"code":             map[string]interface{}{"type": "string"},
		},
		"required": []string{"integration_name", "name", "description", "code"},
	}
}

func (t *addIntegrationToolTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	integrationName := stringArg(args, "integration_name")
	in, err := t.catalog.store.GetIntegration(integrationName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrorResult(fmt.Sprintf("Error: no integration named %q", integrationName))
		}
		return ErrorResult("Error: " + err.Error())
	}

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
		Name:          name,
		Description:   stringArg(args, "description"),
		InputSchema:   schema,
		Code:          code,
		Enabled:       true,
		IntegrationID: in.ID,
	}
	if err := t.catalog.store.CreateCustomTool(tool); err != nil {
		if errors.Is(err, store.ErrDuplicateName) {
			return ErrorResult(fmt.Sprintf("Error: a tool named %q already exists", name))
		}
		return ErrorResult("Error: " + err.Error())
	}
	return NewResult(fmt.Sprintf("Added tool %q to integration %q. It is available as %s_%s starting next step.", name, in.Name, in.Name, name))
}

type removeIntegrationToolTool struct {
	catalog *Catalog
}

func (t *removeIntegrationToolTool) Name() string { return "remove_integration_tool" }
func (t *removeIntegrationToolTool) Description() string {
	return "Remove a tool from an integration"
}
func (t *removeIntegrationToolTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"integration_name": map[string]interface{}{"type": "string"},
			"name":             map[string]interface{}{"type": "string"},
		},
		"required": []string{"integration_name", "name"},
	}
}

func (t *removeIntegrationToolTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	integrationName := stringArg(args, "integration_name")
	name := stringArg(args, "name")

	in, err := t.catalog.store.GetIntegration(integrationName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrorResult(fmt.Sprintf("Error: no integration named %q", integrationName))
		}
		return ErrorResult("Error: " + err.Error())
	}
	tool, err := t.catalog.store.GetCustomTool(name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrorResult(fmt.Sprintf("Error: no tool named %q", name))
		}
		return ErrorResult("Error: " + err.Error())
	}
	if tool.IntegrationID != in.ID {
		return ErrorResult(fmt.Sprintf("Error: tool %q does not belong to integration %q", name, integrationName))
	}

	if err := t.catalog.store.DeleteCustomTool(name); err != nil {
		return ErrorResult("Error: " + err.Error())
	}
	return NewResult(fmt.Sprintf("Removed tool %q from integration %q.", name, integrationName))
}

type deleteIntegrationTool struct {
	catalog *Catalog
}

func (t *deleteIntegrationTool) Name() string { return "delete_integration" }
func (t *deleteIntegrationTool) Description() string {
	return "Delete an integration and all of its tools"
}
func (t *deleteIntegrationTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name": map[string]interface{}{"type": "string"},
		},
		"required": []string{"name"},
	}
}

func (t *deleteIntegrationTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	name := stringArg(args, "name")
	if err := t.catalog.store.DeleteIntegration(name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrorResult(fmt.Sprintf("Error: no integration named %q", name))
		}
		return ErrorResult("Error: " + err.Error())
	}
	return NewResult(fmt.Sprintf("Deleted integration %q and its tools.", name))
}

type listIntegrationsTool struct {
	catalog *Catalog
}

func (t *listIntegrationsTool) Name() string { return "list_integrations" }
func (t *listIntegrationsTool) Description() string {
	return "List all integrations with their tools and configuration status"
}
func (t *listIntegrationsTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}

func (t *listIntegrationsTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	ins, err := t.catalog.store.ListIntegrations()
	if err != nil {
		return ErrorResult("Error: " + err.Error())
	}
	if len(ins) == 0 {
		return NewResult("No integrations exist yet.")
	}

	var b strings.Builder
	for _, in := range ins {
		status := "needs setup"
		if integrations.Configured(in.ConfigSchema) {
			status = "configured"
		}
		if !in.Enabled {
			status = "disabled"
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", in.Name, status, in.Description)

		tools, err := t.catalog.store.ListIntegrationTools(in.ID)
		if err != nil {
			continue
		}
		for _, tool := range tools {
			fmt.Fprintf(&b, "    %s_%s: %s\n", in.Name, tool.Name, tool.Description)
		}
	}
	return NewResult(b.String())
}
