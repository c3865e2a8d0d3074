package scene

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"sceneforge/pkg/logx"
)

// SQLiteStore is the Store implementation backed by a local SQLite database.
// SQLite allows a single writer, so the connection pool is capped at one.
type SQLiteStore struct {
	db     *sql.DB
	logger *logx.Logger
}

var _ Store = (*SQLiteStore)(nil)

// Open opens (or creates) the database at dbPath, runs schema migrations, and
// returns a ready store.
func Open(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &SQLiteStore{
		db:     db,
		logger: logx.NewLogger("store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

const sceneColumns = `id, project_id, name, code, scene_order, duration_frames,
	revision, needs_review, created_at, updated_at, deleted_at`

func scanScene(row interface{ Scan(...any) error }) (*Scene, error) {
	var sc Scene
	var needsReview int
	var deletedAt sql.NullTime
	err := row.Scan(&sc.ID, &sc.ProjectID, &sc.Name, &sc.Code, &sc.Order,
		&sc.DurationFrames, &sc.Revision, &needsReview, &sc.CreatedAt,
		&sc.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	sc.NeedsReview = needsReview != 0
	if deletedAt.Valid {
		t := deletedAt.Time
		sc.DeletedAt = &t
	}
	return &sc, nil
}

// ListScenes returns all non-deleted scenes for a project in order.
func (s *SQLiteStore) ListScenes(ctx context.Context, projectID string) ([]*Scene, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sceneColumns+" FROM scenes WHERE project_id = ? AND deleted_at IS NULL ORDER BY scene_order",
		projectID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list scenes: %v", ErrStoreUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var scenes []*Scene
	for rows.Next() {
		sc, err := scanScene(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scene: %w", err)
		}
		scenes = append(scenes, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: scene iteration failed: %v", ErrStoreUnavailable, err)
	}
	return scenes, nil
}

// GetScene fetches one non-deleted scene by id.
func (s *SQLiteStore) GetScene(ctx context.Context, id string) (*Scene, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sceneColumns+" FROM scenes WHERE id = ? AND deleted_at IS NULL", id)
	sc, err := scanScene(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSceneNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scene %s: %w", id, err)
	}
	return sc, nil
}

// InsertScene appends a new scene at the end of the project's ordering.
func (s *SQLiteStore) InsertScene(ctx context.Context, projectID, name, code string, durationFrames int) (*Scene, error) {
	if durationFrames <= 0 {
		return nil, fmt.Errorf("duration must be positive, got %d", durationFrames)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to begin transaction: %v", ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	var nextOrder int
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(scene_order)+1, 0) FROM scenes WHERE project_id = ? AND deleted_at IS NULL",
		projectID).Scan(&nextOrder)
	if err != nil {
		return nil, fmt.Errorf("failed to compute next order: %w", err)
	}

	id := GenerateID()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO scenes (id, project_id, name, code, scene_order, duration_frames)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, projectID, name, code, nextOrder, durationFrames)
	if err != nil {
		return nil, fmt.Errorf("failed to insert scene: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit scene insert: %w", err)
	}

	s.logger.Debug("Inserted scene %s at order %d in project %s", id, nextOrder, projectID)
	return s.GetScene(ctx, id)
}

// UpdateSceneCode overwrites a scene's code and optionally its duration,
// bumping the revision counter. Last writer wins.
func (s *SQLiteStore) UpdateSceneCode(ctx context.Context, id, code string, durationFrames *int) (*Scene, error) {
	var res sql.Result
	var err error
	if durationFrames != nil {
		if *durationFrames <= 0 {
			return nil, fmt.Errorf("duration must be positive, got %d", *durationFrames)
		}
		res, err = s.db.ExecContext(ctx,
			`UPDATE scenes SET code = ?, duration_frames = ?, revision = revision + 1,
			 updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
			 WHERE id = ? AND deleted_at IS NULL`,
			code, *durationFrames, id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE scenes SET code = ?, revision = revision + 1,
			 updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
			 WHERE id = ? AND deleted_at IS NULL`,
			code, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update scene code: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSceneNotFound, id)
	}
	return s.GetScene(ctx, id)
}

// UpdateSceneDuration changes only the scene's duration. No revision bump:
// the code is untouched, so pending error context stays meaningful.
func (s *SQLiteStore) UpdateSceneDuration(ctx context.Context, id string, durationFrames int) (*Scene, error) {
	if durationFrames <= 0 {
		return nil, fmt.Errorf("duration must be positive, got %d", durationFrames)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE scenes SET duration_frames = ?,
		 updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		 WHERE id = ? AND deleted_at IS NULL`,
		durationFrames, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update scene duration: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSceneNotFound, id)
	}
	return s.GetScene(ctx, id)
}

// SoftDeleteScene marks the scene deleted and compacts the ordering of the
// remaining scenes so order values stay contiguous from 0.
func (s *SQLiteStore) SoftDeleteScene(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	var projectID string
	var order int
	err = tx.QueryRowContext(ctx,
		"SELECT project_id, scene_order FROM scenes WHERE id = ? AND deleted_at IS NULL",
		id).Scan(&projectID, &order)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrSceneNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to look up scene %s: %w", id, err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE scenes SET deleted_at = strftime('%Y-%m-%dT%H:%M:%fZ','now'),
		 updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to soft-delete scene: %w", err)
	}

	// Shift every later scene down one slot.
	_, err = tx.ExecContext(ctx,
		`UPDATE scenes SET scene_order = scene_order - 1
		 WHERE project_id = ? AND deleted_at IS NULL AND scene_order > ?`,
		projectID, order)
	if err != nil {
		return fmt.Errorf("failed to compact scene ordering: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit scene delete: %w", err)
	}

	s.logger.Debug("Soft-deleted scene %s (was order %d) in project %s", id, order, projectID)
	return nil
}

// RestoreScene undeletes a scene, appending it at the end of the ordering.
func (s *SQLiteStore) RestoreScene(ctx context.Context, id string) (*Scene, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to begin transaction: %v", ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	var projectID string
	err = tx.QueryRowContext(ctx,
		"SELECT project_id FROM scenes WHERE id = ? AND deleted_at IS NOT NULL",
		id).Scan(&projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSceneNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up deleted scene %s: %w", id, err)
	}

	var nextOrder int
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(scene_order)+1, 0) FROM scenes WHERE project_id = ? AND deleted_at IS NULL",
		projectID).Scan(&nextOrder)
	if err != nil {
		return nil, fmt.Errorf("failed to compute next order: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE scenes SET deleted_at = NULL, scene_order = ?,
		 updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		 WHERE id = ?`, nextOrder, id)
	if err != nil {
		return nil, fmt.Errorf("failed to restore scene: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit scene restore: %w", err)
	}
	return s.GetScene(ctx, id)
}

// SetNeedsReview flags a scene for manual review, used when automatic repair
// gives up. Works on deleted scenes too so late flag writes never fail.
func (s *SQLiteStore) SetNeedsReview(ctx context.Context, id string, needsReview bool) error {
	val := 0
	if needsReview {
		val = 1
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE scenes SET needs_review = ? WHERE id = ?", val, id)
	if err != nil {
		return fmt.Errorf("failed to set needs_review: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: %s", ErrSceneNotFound, id)
	}
	return nil
}

// ListMessages returns the most recent limit messages for a project in
// chronological order. limit <= 0 returns all messages.
func (s *SQLiteStore) ListMessages(ctx context.Context, projectID string, limit int) ([]*Message, error) {
	query := `SELECT id, project_id, role, content, image_urls, created_at
		FROM messages WHERE project_id = ? ORDER BY created_at DESC, id DESC`
	args := []any{projectID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list messages: %v", ErrStoreUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []*Message
	for rows.Next() {
		var m Message
		var imageJSON string
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.Role, &m.Content, &imageJSON, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(imageJSON), &m.ImageURLs); err != nil {
			return nil, fmt.Errorf("failed to decode image urls for message %s: %w", m.ID, err)
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: message iteration failed: %v", ErrStoreUnavailable, err)
	}

	// Reverse newest-first into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// AddMessage appends a chat message to the project conversation.
func (s *SQLiteStore) AddMessage(ctx context.Context, projectID, role, content string, imageURLs []string) (*Message, error) {
	if role != RoleUser && role != RoleAssistant {
		return nil, fmt.Errorf("invalid message role: %s", role)
	}
	if imageURLs == nil {
		imageURLs = []string{}
	}
	imageJSON, err := json.Marshal(imageURLs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image urls: %w", err)
	}

	m := &Message{
		ID:        GenerateID(),
		ProjectID: projectID,
		Role:      role,
		Content:   content,
		ImageURLs: imageURLs,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, project_id, role, content, image_urls, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ProjectID, m.Role, m.Content, string(imageJSON), m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	return m, nil
}
