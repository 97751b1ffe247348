package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ConfigField is one credential an integration needs, declared when the
// integration is created. Values never touch the database; they live in the
// env file.
type ConfigField struct {
	Key      string `json:"key"`
	Label    string `json:"label"`
	Required bool   `json:"required"`
}

// Integration groups related tools behind a shared set of credentials.
type Integration struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Description  string        `json:"description"`
	ConfigSchema []ConfigField `json:"config_schema"`
	Enabled      bool          `json:"enabled"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

func (s *Store) CreateIntegration(in *Integration) error {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	in.CreatedAt, in.UpdatedAt = now, now

	schema, err := json.Marshal(in.ConfigSchema)
	if err != nil {
		return fmt.Errorf("marshal config schema: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO integrations (id, name, description, config_schema, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.Name, in.Description, string(schema), in.Enabled, in.CreatedAt, in.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("integration %q: %w", in.Name, ErrDuplicateName)
	}
	if err != nil {
		return fmt.Errorf("create integration: %w", err)
	}
	return nil
}

func (s *Store) scanIntegration(row interface{ Scan(...any) error }) (*Integration, error) {
	var in Integration
	var schema string
	err := row.Scan(&in.ID, &in.Name, &in.Description, &schema, &in.Enabled, &in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(schema), &in.ConfigSchema); err != nil {
		in.ConfigSchema = nil
	}
	return &in, nil
}

const integrationColumns = `id, name, description, config_schema, enabled, created_at, updated_at`

func (s *Store) GetIntegration(name string) (*Integration, error) {
	row := s.db.QueryRow(`SELECT `+integrationColumns+` FROM integrations WHERE name = ?`, name)
	return s.scanIntegration(row)
}

func (s *Store) GetIntegrationByID(id string) (*Integration, error) {
	row := s.db.QueryRow(`SELECT `+integrationColumns+` FROM integrations WHERE id = ?`, id)
	return s.scanIntegration(row)
}

func (s *Store) ListIntegrations() ([]Integration, error) {
	rows, err := s.db.Query(`SELECT ` + integrationColumns + ` FROM integrations ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Integration
	for rows.Next() {
		in, err := s.scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *in)
	}
	return result, rows.Err()
}

// ListEnabledIntegrations returns integrations the catalog should expose.
func (s *Store) ListEnabledIntegrations() ([]Integration, error) {
	rows, err := s.db.Query(`SELECT ` + integrationColumns + ` FROM integrations WHERE enabled = 1 ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Integration
	for rows.Next() {
		in, err := s.scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *in)
	}
	return result, rows.Err()
}

// IntegrationUpdate carries the mutable fields of an integration. Nil means
// leave unchanged.
type IntegrationUpdate struct {
	Description  *string
	ConfigSchema *[]ConfigField
	Enabled      *bool
}

func (s *Store) UpdateIntegration(name string, upd IntegrationUpdate) (*Integration, error) {
	in, err := s.GetIntegration(name)
	if err != nil {
		return nil, err
	}
	if upd.Description != nil {
		in.Description = *upd.Description
	}
	if upd.ConfigSchema != nil {
		in.ConfigSchema = *upd.ConfigSchema
	}
	if upd.Enabled != nil {
		in.Enabled = *upd.Enabled
	}
	in.UpdatedAt = time.Now().UTC()

	schema, err := json.Marshal(in.ConfigSchema)
	if err != nil {
		return nil, fmt.Errorf("marshal config schema: %w", err)
	}
	_, err = s.db.Exec(
		`UPDATE integrations SET description = ?, config_schema = ?, enabled = ?, updated_at = ? WHERE id = ?`,
		in.Description, string(schema), in.Enabled, in.UpdatedAt, in.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update integration: %w", err)
	}
	return in, nil
}

// DeleteIntegration removes an integration; its tools cascade.
func (s *Store) DeleteIntegration(name string) error {
	res, err := s.db.Exec(`DELETE FROM integrations WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
