package registry

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"
)

// Repository handles database operations for the server registry.
type Repository struct {
	db bun.IDB
}

// NewRepository creates a new registry repository.
func NewRepository(db bun.IDB) *Repository {
	return &Repository{db: db}
}

// FindAll returns all servers in a project, enabled or not.
func (r *Repository) FindAll(ctx context.Context, projectID string) ([]*BackendServer, error) {
	var servers []*BackendServer
	err := r.db.NewSelect().
		Model(&servers).
		Where("project_id = ?", projectID).
		Order("name ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return servers, nil
}

// FindEnabled returns all enabled servers in a project.
func (r *Repository) FindEnabled(ctx context.Context, projectID string) ([]*BackendServer, error) {
	var servers []*BackendServer
	err := r.db.NewSelect().
		Model(&servers).
		Where("project_id = ?", projectID).
		Where("enabled = true").
		Order("name ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return servers, nil
}

// FindByID returns a server by id within a project, or nil when absent.
func (r *Repository) FindByID(ctx context.Context, projectID, id string) (*BackendServer, error) {
	server := new(BackendServer)
	err := r.db.NewSelect().
		Model(server).
		Where("ms.project_id = ?", projectID).
		Where("ms.id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return server, nil
}

// FindByName returns a server by name within a project, or nil when absent.
func (r *Repository) FindByName(ctx context.Context, projectID, name string) (*BackendServer, error) {
	server := new(BackendServer)
	err := r.db.NewSelect().
		Model(server).
		Where("ms.project_id = ?", projectID).
		Where("ms.name = ?", name).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return server, nil
}

// Create inserts a new server.
func (r *Repository) Create(ctx context.Context, server *BackendServer) error {
	_, err := r.db.NewInsert().
		Model(server).
		Returning("*").
		Exec(ctx)
	return err
}

// Update persists a server's current field values.
func (r *Repository) Update(ctx context.Context, server *BackendServer) error {
	server.UpdatedAt = time.Now()
	_, err := r.db.NewUpdate().
		Model(server).
		WherePK().
		Exec(ctx)
	return err
}

// Delete removes a server.
func (r *Repository) Delete(ctx context.Context, projectID, id string) (bool, error) {
	res, err := r.db.NewDelete().
		Model((*BackendServer)(nil)).
		Where("project_id = ?", projectID).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CreateToolCallLog inserts one invocation record.
func (r *Repository) CreateToolCallLog(ctx context.Context, log *ToolCallLog) error {
	_, err := r.db.NewInsert().
		Model(log).
		Exec(ctx)
	return err
}
