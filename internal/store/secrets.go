package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Secret is a vault-sealed provider credential. Value/Nonce hold the
// ciphertext; decryption happens in the vault package, never here.
type Secret struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Value       []byte    `json:"-"`
	Nonce       []byte    `json:"-"`
	Global      bool      `json:"global"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (s *Store) SaveSecret(sec *Secret) error {
	_, err := s.db.Exec(`
		INSERT INTO secrets (name, description, value, nonce, global)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			value = excluded.value,
			nonce = excluded.nonce,
			global = excluded.global,
			updated_at = CURRENT_TIMESTAMP`,
		sec.Name, sec.Description, sec.Value, sec.Nonce, sec.Global)
	if err != nil {
		return fmt.Errorf("save secret: %w", err)
	}
	return nil
}

func (s *Store) GetSecret(name string) (*Secret, error) {
	row := s.db.QueryRow(`
		SELECT name, description, value, nonce, global, created_at, updated_at
		FROM secrets WHERE name = ?`, name)
	sec := &Secret{}
	var desc sql.NullString
	err := row.Scan(&sec.Name, &desc, &sec.Value, &sec.Nonce, &sec.Global, &sec.CreatedAt, &sec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get secret: %w", err)
	}
	sec.Description = desc.String
	return sec, nil
}

// ListSecrets returns metadata only; ciphertext stays out of listings.
func (s *Store) ListSecrets() ([]Secret, error) {
	rows, err := s.db.Query(`
		SELECT name, description, global, created_at, updated_at
		FROM secrets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	defer rows.Close()

	var secrets []Secret
	for rows.Next() {
		var sec Secret
		var desc sql.NullString
		if err := rows.Scan(&sec.Name, &desc, &sec.Global, &sec.CreatedAt, &sec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan secret: %w", err)
		}
		sec.Description = desc.String
		secrets = append(secrets, sec)
	}
	return secrets, rows.Err()
}

func (s *Store) DeleteSecret(name string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM agent_secrets WHERE secret_name = ?`, name); err != nil {
		return fmt.Errorf("clear secret assignments: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM secrets WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	return tx.Commit()
}

// GetAgentSecrets returns the secrets visible to one agent: globals plus
// explicit assignments, ciphertext included for container env injection.
func (s *Store) GetAgentSecrets(agentID string) ([]Secret, error) {
	rows, err := s.db.Query(`
		SELECT name, description, value, nonce, global, created_at, updated_at
		FROM secrets
		WHERE global = 1
		   OR name IN (SELECT secret_name FROM agent_secrets WHERE agent_id = ?)
		ORDER BY name`, agentID)
	if err != nil {
		return nil, fmt.Errorf("get agent secrets: %w", err)
	}
	defer rows.Close()

	var secrets []Secret
	for rows.Next() {
		var sec Secret
		var desc sql.NullString
		if err := rows.Scan(&sec.Name, &desc, &sec.Value, &sec.Nonce, &sec.Global, &sec.CreatedAt, &sec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent secret: %w", err)
		}
		sec.Description = desc.String
		secrets = append(secrets, sec)
	}
	return secrets, rows.Err()
}

func (s *Store) AddAgentSecret(agentID, secretName string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO agent_secrets (agent_id, secret_name) VALUES (?, ?)`,
		agentID, secretName)
	if err != nil {
		return fmt.Errorf("add agent secret: %w", err)
	}
	return nil
}

func (s *Store) RemoveAgentSecret(agentID, secretName string) error {
	_, err := s.db.Exec(`DELETE FROM agent_secrets WHERE agent_id = ? AND secret_name = ?`,
		agentID, secretName)
	if err != nil {
		return fmt.Errorf("remove agent secret: %w", err)
	}
	return nil
}

func (s *Store) GetSecretAgentIDs(secretName string) ([]string, error) {
	rows, err := s.db.Query(`SELECT agent_id FROM agent_secrets WHERE secret_name = ?`, secretName)
	if err != nil {
		return nil, fmt.Errorf("get secret agent ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
