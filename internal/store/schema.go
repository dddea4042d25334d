package store

import "strings"

// initSchema creates tables if they don't exist and applies idempotent
// patches. Runs on the writer connection at startup.
func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			secret_hash TEXT NOT NULL,
			config TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			disable_task_tracking INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			parts TEXT NOT NULL DEFAULT '[]',
			process_status TEXT NOT NULL DEFAULT 'pending',
			seq INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			"order" INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			data TEXT NOT NULL DEFAULT '{}',
			raw_message_ids TEXT NOT NULL DEFAULT '[]',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS disks (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			disk_id TEXT NOT NULL,
			path TEXT NOT NULL,
			filename TEXT NOT NULL,
			asset_meta TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (disk_id, path, filename)
		)`,
		`CREATE TABLE IF NOT EXISTS agent_skills (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			disk_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (project_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS learning_spaces (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS learning_space_sessions (
			learning_space_id TEXT NOT NULL,
			session_id TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS learning_space_skills (
			learning_space_id TEXT NOT NULL,
			skill_id TEXT NOT NULL,
			UNIQUE (learning_space_id, skill_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sandbox_logs (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			backend_id TEXT NOT NULL DEFAULT '',
			history_commands TEXT NOT NULL DEFAULT '[]',
			generated_files TEXT NOT NULL DEFAULT '[]',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_project_id ON sessions(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_status ON messages(session_id, process_status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_session_id ON tasks(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_disk_id ON artifacts(disk_id)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_skills_project ON agent_skills(project_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Writer().Exec(stmt); err != nil {
			return err
		}
	}

	return s.runPatches()
}

// runPatches applies idempotent ALTER TABLE patches for schema evolution.
func (s *Store) runPatches() error {
	// sessions.display_title arrived after the initial schema; older databases
	// pick it up here. The error is swallowed when the column already exists.
	if _, err := s.pool.Writer().Exec(
		`ALTER TABLE sessions ADD COLUMN display_title TEXT NOT NULL DEFAULT ''`,
	); err != nil && !isDuplicateColumn(err) {
		return err
	}
	return nil
}

// isDuplicateColumn detects the duplicate-column error across sqlite and
// postgres so patches stay idempotent.
func isDuplicateColumn(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}
