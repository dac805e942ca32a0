package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Entity is a generic typed record with a JSON properties blob and an
// optional expiry. Subscriptions and ephemeral routing rules are both
// stored this way, distinguished by Type.
type Entity struct {
	ID         string
	Type       string
	Properties map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ExpiresAt  *time.Time
}

const timeFmt = time.RFC3339Nano

// PutEntity inserts or replaces an entity by id.
func (s *Store) PutEntity(e Entity) error {
	props, err := json.Marshal(e.Properties)
	if err != nil {
		return fmt.Errorf("marshal entity properties: %w", err)
	}

	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	var expires any
	if e.ExpiresAt != nil {
		expires = e.ExpiresAt.UTC().Format(timeFmt)
	}

	_, err = s.db.Exec(
		`INSERT INTO entities (id, type, properties, created_at, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   type = excluded.type,
		   properties = excluded.properties,
		   updated_at = excluded.updated_at,
		   expires_at = excluded.expires_at`,
		e.ID, e.Type, string(props), e.CreatedAt.UTC().Format(timeFmt), e.UpdatedAt.UTC().Format(timeFmt), expires,
	)
	if err != nil {
		return fmt.Errorf("put entity %s: %w", e.ID, err)
	}
	return nil
}

// GetEntity returns the entity by id, or (Entity{}, false, nil) if not found.
func (s *Store) GetEntity(id string) (Entity, bool, error) {
	row := s.db.QueryRow(
		`SELECT id, type, properties, created_at, updated_at, expires_at FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return Entity{}, false, nil
	}
	if err != nil {
		return Entity{}, false, fmt.Errorf("get entity %s: %w", id, err)
	}
	return e, true, nil
}

// ListEntitiesByType returns all non-expired entities of the given
// type. Expired-but-not-yet-swept rows are filtered out here so callers
// never observe a logically-deleted entity even if its row has not
// been deleted yet.
func (s *Store) ListEntitiesByType(typ string) ([]Entity, error) {
	now := time.Now().UTC().Format(timeFmt)
	rows, err := s.db.Query(
		`SELECT id, type, properties, created_at, updated_at, expires_at FROM entities
		 WHERE type = ? AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY created_at ASC`, typ, now)
	if err != nil {
		return nil, fmt.Errorf("list entities type=%s: %w", typ, err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteEntity removes an entity by id. No error if absent.
func (s *Store) DeleteEntity(id string) error {
	_, err := s.db.Exec(`DELETE FROM entities WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete entity %s: %w", id, err)
	}
	return nil
}

// DeleteEntitiesByParentScope removes all entities of typ whose
// "parent_scope" property matches {type: scopeType, id: scopeID}.
// Used to cascade subscription/rule deletion on agent termination.
func (s *Store) DeleteEntitiesByParentScope(typ, scopeType, scopeID string) ([]string, error) {
	entities, err := s.ListEntitiesByType(typ)
	if err != nil {
		return nil, err
	}
	var deleted []string
	for _, e := range entities {
		scope, ok := e.Properties["parent_scope"].(map[string]any)
		if !ok {
			continue
		}
		if fmt.Sprint(scope["type"]) == scopeType && fmt.Sprint(scope["id"]) == scopeID {
			if err := s.DeleteEntity(e.ID); err != nil {
				return deleted, err
			}
			deleted = append(deleted, e.ID)
		}
	}
	return deleted, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner) (Entity, error) {
	var e Entity
	var propsJSON, createdAt, updatedAt string
	var expiresAt sql.NullString

	if err := row.Scan(&e.ID, &e.Type, &propsJSON, &createdAt, &updatedAt, &expiresAt); err != nil {
		return Entity{}, err
	}

	if err := json.Unmarshal([]byte(propsJSON), &e.Properties); err != nil {
		return Entity{}, fmt.Errorf("unmarshal properties: %w", err)
	}

	var parseErr error
	if e.CreatedAt, parseErr = time.Parse(timeFmt, createdAt); parseErr != nil {
		return Entity{}, parseErr
	}
	if e.UpdatedAt, parseErr = time.Parse(timeFmt, updatedAt); parseErr != nil {
		return Entity{}, parseErr
	}
	if expiresAt.Valid {
		t, err := time.Parse(timeFmt, expiresAt.String)
		if err != nil {
			return Entity{}, err
		}
		e.ExpiresAt = &t
	}
	return e, nil
}
