package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

//go:embed personas.yaml
var defaultPersonas []byte

const personaColumns = "id, name, description, icon, system_prompt, is_default, created_at, updated_at"

// LoadPersonaFile parses a YAML list of personas. An empty path yields the built-in set.
func LoadPersonaFile(path string) ([]Persona, error) {
	data := defaultPersonas
	if path != "" {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("failed to read personas file %s: %w", path, err)
		}
	}
	var personas []Persona
	if err := yaml.Unmarshal(data, &personas); err != nil {
		return nil, fmt.Errorf("failed to parse personas: %w", err)
	}
	defaults := 0
	for _, p := range personas {
		if p.Name == "" || p.SystemPrompt == "" {
			return nil, fmt.Errorf("persona %q needs a name and a system prompt", p.ID)
		}
		if p.IsDefault {
			defaults++
		}
	}
	if defaults > 1 {
		return nil, fmt.Errorf("personas file marks %d personas as default", defaults)
	}
	return personas, nil
}

// SeedPersonas inserts personas only when the table is empty. It returns the number inserted.
func (s *SQLiteStore) SeedPersonas(ctx context.Context, personas []Persona) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM personas").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count personas: %w", err)
	}
	if count > 0 {
		return 0, nil
	}
	inserted := 0
	for i := range personas {
		p := personas[i]
		if err := s.CreatePersona(ctx, &p); err != nil {
			return inserted, err
		}
		inserted++
	}
	return inserted, nil
}

// CreatePersona inserts a persona. When it is marked default, every other
// persona loses the flag in the same transaction.
func (s *SQLiteStore) CreatePersona(ctx context.Context, p *Persona) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := s.now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin persona insert: %w", err)
	}
	defer tx.Rollback()

	if p.IsDefault {
		if _, err := tx.ExecContext(ctx, "UPDATE personas SET is_default = FALSE WHERE is_default"); err != nil {
			return fmt.Errorf("failed to clear default persona: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx, "INSERT INTO personas ("+personaColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		p.ID, p.Name, p.Description, p.Icon, p.SystemPrompt, p.IsDefault, formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to execute persona insert: %w", err)
	}
	return tx.Commit()
}

// UpdatePersona replaces the editable fields of a persona.
func (s *SQLiteStore) UpdatePersona(ctx context.Context, p *Persona) error {
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin persona update: %w", err)
	}
	defer tx.Rollback()

	if p.IsDefault {
		if _, err := tx.ExecContext(ctx, "UPDATE personas SET is_default = FALSE WHERE is_default AND id <> ?", p.ID); err != nil {
			return fmt.Errorf("failed to clear default persona: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, `UPDATE personas SET name = ?, description = ?, icon = ?, system_prompt = ?,
        is_default = ?, updated_at = ? WHERE id = ?`,
		p.Name, p.Description, p.Icon, p.SystemPrompt, p.IsDefault, formatTime(now), p.ID)
	if err != nil {
		return fmt.Errorf("failed to execute persona update: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrPersonaNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit persona update: %w", err)
	}
	p.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) DeletePersona(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM personas WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete persona: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrPersonaNotFound
	}
	return nil
}

// SetDefaultPersona makes id the only default persona.
func (s *SQLiteStore) SetDefaultPersona(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin default switch: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM personas WHERE id = ?", id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrPersonaNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to look up persona: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE personas SET is_default = (id = ?), updated_at = ?", id, formatTime(s.now())); err != nil {
		return fmt.Errorf("failed to switch default persona: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetPersona(ctx context.Context, id string) (*Persona, error) {
	personas, err := s.queryPersonas(ctx, "SELECT "+personaColumns+" FROM personas WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(personas) == 0 {
		return nil, ErrPersonaNotFound
	}
	return &personas[0], nil
}

func (s *SQLiteStore) ListPersonas(ctx context.Context) ([]Persona, error) {
	return s.queryPersonas(ctx, "SELECT "+personaColumns+" FROM personas ORDER BY is_default DESC, name ASC")
}

// DefaultPersonas returns every persona flagged default. Callers treat any
// count other than one as a configuration problem.
func (s *SQLiteStore) DefaultPersonas(ctx context.Context) ([]Persona, error) {
	return s.queryPersonas(ctx, "SELECT "+personaColumns+" FROM personas WHERE is_default ORDER BY id")
}

func (s *SQLiteStore) queryPersonas(ctx context.Context, query string, args ...any) ([]Persona, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query personas: %w", err)
	}
	defer rows.Close()

	var personas []Persona
	for rows.Next() {
		var (
			p                    Persona
			createdAt, updatedAt string
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Icon, &p.SystemPrompt, &p.IsDefault, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan persona row: %w", err)
		}
		if p.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse created_at of persona %s: %w", p.ID, err)
		}
		if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("failed to parse updated_at of persona %s: %w", p.ID, err)
		}
		personas = append(personas, p)
	}
	return personas, rows.Err()
}
