package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CustomTool is a user-authored tool: a JSON Schema for its input and a
// sandboxed function body. A tool may belong to an integration or stand
// alone.
type CustomTool struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	InputSchema   string    `json:"input_schema"`
	Code          string    `json:"code"`
	Enabled       bool      `json:"enabled"`
	IntegrationID string    `json:"integration_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ErrDuplicateName is returned when a unique name constraint is violated.
var ErrDuplicateName = errors.New("name already exists")

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) CreateCustomTool(t *CustomTool) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.InputSchema == "" {
		t.InputSchema = `{"type":"object"}`
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	var integrationID any
	if t.IntegrationID != "" {
		integrationID = t.IntegrationID
	}
	_, err := s.db.Exec(
		`INSERT INTO custom_tools (id, name, description, input_schema, code, enabled, integration_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Description, t.InputSchema, t.Code, t.Enabled, integrationID, t.CreatedAt, t.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("tool %q: %w", t.Name, ErrDuplicateName)
	}
	if err != nil {
		return fmt.Errorf("create tool: %w", err)
	}
	return nil
}

func (s *Store) scanTool(row interface{ Scan(...any) error }) (*CustomTool, error) {
	var t CustomTool
	var integrationID sql.NullString
	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.InputSchema, &t.Code, &t.Enabled, &integrationID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.IntegrationID = integrationID.String
	return &t, nil
}

const toolColumns = `id, name, description, input_schema, code, enabled, integration_id, created_at, updated_at`

func (s *Store) GetCustomTool(name string) (*CustomTool, error) {
	row := s.db.QueryRow(`SELECT `+toolColumns+` FROM custom_tools WHERE name = ?`, name)
	return s.scanTool(row)
}

func (s *Store) GetCustomToolByID(id string) (*CustomTool, error) {
	row := s.db.QueryRow(`SELECT `+toolColumns+` FROM custom_tools WHERE id = ?`, id)
	return s.scanTool(row)
}

func (s *Store) queryTools(query string, args ...any) ([]CustomTool, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []CustomTool
	for rows.Next() {
		t, err := s.scanTool(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *t)
	}
	return result, rows.Err()
}

// ListCustomTools returns all custom tools, standalone and integration-owned.
func (s *Store) ListCustomTools() ([]CustomTool, error) {
	return s.queryTools(`SELECT ` + toolColumns + ` FROM custom_tools ORDER BY name`)
}

// ListEnabledCustomTools returns enabled tools whose integration, if any, is
// also enabled. These are what the catalog exposes to the model.
func (s *Store) ListEnabledCustomTools() ([]CustomTool, error) {
	return s.queryTools(`SELECT t.id, t.name, t.description, t.input_schema, t.code, t.enabled, t.integration_id, t.created_at, t.updated_at
		FROM custom_tools t
		LEFT JOIN integrations i ON t.integration_id = i.id
		WHERE t.enabled = 1 AND (t.integration_id IS NULL OR i.enabled = 1)
		ORDER BY t.name`)
}

// ListStandaloneTools returns enabled tools not owned by any integration.
func (s *Store) ListStandaloneTools() ([]CustomTool, error) {
	return s.queryTools(`SELECT ` + toolColumns + ` FROM custom_tools WHERE integration_id IS NULL ORDER BY name`)
}

// ListIntegrationTools returns the tools owned by one integration.
func (s *Store) ListIntegrationTools(integrationID string) ([]CustomTool, error) {
	return s.queryTools(`SELECT `+toolColumns+` FROM custom_tools WHERE integration_id = ? ORDER BY name`, integrationID)
}

// ToolUpdate carries the mutable fields of a custom tool. Nil means leave
// unchanged.
type ToolUpdate struct {
	Description *string
	InputSchema *string
	Code        *string
	Enabled     *bool
}

func (s *Store) UpdateCustomTool(name string, upd ToolUpdate) (*CustomTool, error) {
	t, err := s.GetCustomTool(name)
	if err != nil {
		return nil, err
	}
	if upd.Description != nil {
		t.Description = *upd.Description
	}
	if upd.InputSchema != nil {
		t.InputSchema = *upd.InputSchema
	}
	if upd.Code != nil {
		t.Code = *upd.Code
	}
	if upd.Enabled != nil {
		t.Enabled = *upd.Enabled
	}
	t.UpdatedAt = time.Now().UTC()

	_, err = s.db.Exec(
		`UPDATE custom_tools SET description = ?, input_schema = ?, code = ?, enabled = ?, updated_at = ? WHERE id = ?`,
		t.Description, t.InputSchema, t.Code, t.Enabled, t.UpdatedAt, t.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update tool: %w", err)
	}
	return t, nil
}

func (s *Store) DeleteCustomTool(name string) error {
	res, err := s.db.Exec(`DELETE FROM custom_tools WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
