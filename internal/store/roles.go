package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrRoleNotFound marks a missing role.
var ErrRoleNotFound = errors.New("role not found")

// RoleRepo backs the admin role and permission management endpoints.
type RoleRepo struct {
	pool *pgxpool.Pool
}

func NewRoleRepo(pool *pgxpool.Pool) *RoleRepo {
	return &RoleRepo{pool: pool}
}

func (r *RoleRepo) Create(ctx context.Context, role *Role) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO roles (id, name, description, permissions) VALUES ($1, $2, $3, $4)`,
		role.ID, role.Name, role.Description, role.Permissions)
	if err != nil {
		return fmt.Errorf("failed to create role: %w", err)
	}
	return nil
}

func (r *RoleRepo) GetByName(ctx context.Context, name string) (*Role, error) {
	var role Role
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, description, permissions FROM roles WHERE name = $1`,
		name).Scan(&role.ID, &role.Name, &role.Description, &role.Permissions)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRoleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return &role, nil
}

func (r *RoleRepo) List(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, description, permissions FROM roles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var out []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.Permissions); err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

// SetPermissions replaces the role's permission set.
func (r *RoleRepo) SetPermissions(ctx context.Context, id uuid.UUID, permissions []string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE roles SET permissions = $2 WHERE id = $1`,
		id, permissions)
	if err != nil {
		return fmt.Errorf("failed to set role permissions: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRoleNotFound
	}
	return nil
}

// AssignRole adds the role to the user's set if absent.
func (r *RoleRepo) AssignRole(ctx context.Context, userID uuid.UUID, roleName string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET roles = array_append(roles, $2), updated_at = now()
		 WHERE id = $1 AND NOT ($2 = ANY(roles))`,
		userID, roleName)
	if err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}
	return nil
}

// RevokeRole removes the role from the user's set.
func (r *RoleRepo) RevokeRole(ctx context.Context, userID uuid.UUID, roleName string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET roles = array_remove(roles, $2), updated_at = now() WHERE id = $1`,
		userID, roleName)
	if err != nil {
		return fmt.Errorf("failed to revoke role: %w", err)
	}
	return nil
}
