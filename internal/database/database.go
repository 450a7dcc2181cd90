package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cadenza/pkg/models"

	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique column already holds the value.
	ErrDuplicate = errors.New("record already exists")
)

// Database wraps a *sql.DB providing the identity store and the song
// catalog. It is safe for concurrent use because the underlying *sql.DB is
// concurrency-safe.
type Database struct {
	conn   *sql.DB
	logger *logrus.Logger

	insertUserStmt     *sql.Stmt
	userByNameStmt     *sql.Stmt
	userByIDStmt       *sql.Stmt
	insertSongStmt     *sql.Stmt
	updateSongStmt     *sql.Stmt
	songByFilenameStmt *sql.Stmt
	songExistsStmt     *sql.Stmt
	removeSongStmt     *sql.Stmt
}

// NewDatabase opens (or creates) a SQLite database at the provided path and
// ensures all required tables and indices exist. A nil logger gets a JSON
// logrus logger. Caller should Close() it when finished.
func NewDatabase(dbPath string, maxConns int, logger *logrus.Logger) (*Database, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if maxConns < 1 {
		maxConns = 1
	}

	conn, err := sql.Open("sqlite3", dbPath+"?cache=shared&mode=rwc&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works better with fewer connections
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(15 * time.Minute)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=memory;",
		"PRAGMA foreign_keys=ON;",
	}

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			logger.WithError(err).WithField("pragma", pragma).Warn("Failed to set pragma")
		}
	}

	db := &Database{
		conn:   conn,
		logger: logger,
	}

	if err := db.createTables(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if err := db.prepareStatements(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	logger.WithField("db_path", dbPath).Info("Database initialized successfully")
	return db, nil
}

// createTables creates tables and indices if they do not already exist.
// This is idempotent and safe to call multiple times.
func (db *Database) createTables() error {
	usersTable := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		password TEXT NOT NULL,
		is_admin BOOLEAN NOT NULL DEFAULT FALSE,
		created_at DATETIME NOT NULL
	);`

	songsTable := `
	CREATE TABLE IF NOT EXISTS songs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		filename TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL,
		artist TEXT NOT NULL DEFAULT '',
		album TEXT NOT NULL DEFAULT '',
		duration INTEGER DEFAULT 0,
		file_path TEXT NOT NULL,
		file_size INTEGER NOT NULL,
		public_url TEXT NOT NULL DEFAULT '',
		uploaded_by TEXT,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (uploaded_by) REFERENCES users(id) ON DELETE SET NULL
	);`

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_songs_created ON songs(created_at);",
		"CREATE INDEX IF NOT EXISTS idx_songs_search ON songs(title, artist);",
		"CREATE INDEX IF NOT EXISTS idx_users_admin ON users(is_admin);",
	}

	for _, table := range []string{usersTable, songsTable} {
		if _, err := db.conn.Exec(table); err != nil {
			return err
		}
	}

	for _, index := range indices {
		if _, err := db.conn.Exec(index); err != nil {
			return err
		}
	}

	return nil
}

// prepareStatements prepares commonly used SQL statements
func (db *Database) prepareStatements() error {
	var err error

	db.insertUserStmt, err = db.conn.Prepare(`
		INSERT INTO users (id, username, password, is_admin, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert user statement: %w", err)
	}

	db.userByNameStmt, err = db.conn.Prepare(`
		SELECT id, username, password, is_admin, created_at FROM users WHERE username = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare user by name statement: %w", err)
	}

	db.userByIDStmt, err = db.conn.Prepare(`
		SELECT id, username, password, is_admin, created_at FROM users WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare user by id statement: %w", err)
	}

	db.insertSongStmt, err = db.conn.Prepare(`
		INSERT INTO songs (filename, title, artist, album, duration, file_path, file_size, public_url, uploaded_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert song statement: %w", err)
	}

	db.updateSongStmt, err = db.conn.Prepare(`
		UPDATE songs SET title = ?, artist = ?, album = ?, duration = ?, file_path = ?, file_size = ?, public_url = ?,
			uploaded_by = COALESCE(?, uploaded_by)
		WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare update song statement: %w", err)
	}

	db.songByFilenameStmt, err = db.conn.Prepare(`
		SELECT id, filename, title, artist, album, duration, file_path, file_size, public_url, COALESCE(uploaded_by, ''), created_at
		FROM songs WHERE filename = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare song by filename statement: %w", err)
	}

	db.songExistsStmt, err = db.conn.Prepare(`SELECT COUNT(*) FROM songs WHERE filename = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare song exists statement: %w", err)
	}

	db.removeSongStmt, err = db.conn.Prepare(`DELETE FROM songs WHERE filename = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare remove song statement: %w", err)
	}

	return nil
}

// Ping verifies the database connection is usable.
func (db *Database) Ping() error {
	return db.conn.Ping()
}

// Close releases prepared statements and the underlying connection pool.
func (db *Database) Close() error {
	stmts := []*sql.Stmt{
		db.insertUserStmt,
		db.userByNameStmt,
		db.userByIDStmt,
		db.insertSongStmt,
		db.updateSongStmt,
		db.songByFilenameStmt,
		db.songExistsStmt,
		db.removeSongStmt,
	}
	for _, stmt := range stmts {
		if stmt != nil {
			stmt.Close()
		}
	}
	return db.conn.Close()
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// nullableString maps "" to SQL NULL so foreign keys stay valid.
func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// CreateUser inserts a new account. A taken username yields ErrDuplicate.
func (db *Database) CreateUser(user models.User) error {
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := db.insertUserStmt.Exec(user.ID, user.Username, user.PasswordHash, user.IsAdmin, createdAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		db.logger.WithError(err).WithField("username", user.Username).Error("Failed to insert user")
		return err
	}
	return nil
}

// FindUserByUsername returns the account with the given username.
func (db *Database) FindUserByUsername(username string) (*models.User, error) {
	return scanUser(db.userByNameStmt.QueryRow(username))
}

// FindUserByID returns the account with the given id.
func (db *Database) FindUserByID(id string) (*models.User, error) {
	return scanUser(db.userByIDStmt.QueryRow(id))
}

// CountAdmins returns the number of accounts carrying the admin flag.
func (db *Database) CountAdmins() (int, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM users WHERE is_admin = TRUE").Scan(&count)
	return count, err
}

func scanUser(row *sql.Row) (*models.User, error) {
	var user models.User
	err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.IsAdmin, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// InsertSong inserts a new catalog record or updates the existing record
// with the same filename, returning the record's database ID. An update
// without an uploader keeps the one already recorded.
func (db *Database) InsertSong(song models.Song) (int, error) {
	var existingID int
	err := db.conn.QueryRow("SELECT id FROM songs WHERE filename = ?", song.Filename).Scan(&existingID)
	if err == nil {
		_, err = db.updateSongStmt.Exec(
			song.Title, song.Artist, song.Album, song.Duration, song.FilePath,
			song.FileSize, song.PublicURL, nullableString(song.UploadedBy), existingID)
		if err != nil {
			db.logger.WithError(err).WithField("song_id", existingID).Error("Failed to update existing song")
		}
		return existingID, err
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	createdAt := song.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	result, err := db.insertSongStmt.Exec(
		song.Filename, song.Title, song.Artist, song.Album, song.Duration, song.FilePath,
		song.FileSize, song.PublicURL, nullableString(song.UploadedBy), createdAt)
	if err != nil {
		db.logger.WithError(err).WithField("filename", song.Filename).Error("Failed to insert new song")
		return 0, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		db.logger.WithError(err).Error("Failed to get last insert ID")
		return 0, err
	}

	return int(id), nil
}

// ListSongs returns every catalog record, newest first.
func (db *Database) ListSongs() ([]models.Song, error) {
	rows, err := db.conn.Query(`
		SELECT id, filename, title, artist, album, duration, file_path, file_size, public_url, COALESCE(uploaded_by, ''), created_at
		FROM songs
		ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var songs []models.Song
	for rows.Next() {
		var s models.Song
		if err := rows.Scan(&s.ID, &s.Filename, &s.Title, &s.Artist, &s.Album, &s.Duration,
			&s.FilePath, &s.FileSize, &s.PublicURL, &s.UploadedBy, &s.CreatedAt); err != nil {
			return nil, err
		}
		songs = append(songs, s)
	}
	return songs, rows.Err()
}

// CountSongs returns the number of catalog records.
func (db *Database) CountSongs() (int, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM songs").Scan(&count)
	return count, err
}

// GetSongByFilename returns the catalog record for filename.
func (db *Database) GetSongByFilename(filename string) (*models.Song, error) {
	var s models.Song
	err := db.songByFilenameStmt.QueryRow(filename).Scan(&s.ID, &s.Filename, &s.Title, &s.Artist,
		&s.Album, &s.Duration, &s.FilePath, &s.FileSize, &s.PublicURL, &s.UploadedBy, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// SongExists checks whether a catalog record exists for filename.
func (db *Database) SongExists(filename string) (bool, error) {
	var count int
	if err := db.songExistsStmt.QueryRow(filename).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// RemoveSongByFilename deletes the catalog record for filename, if any.
func (db *Database) RemoveSongByFilename(filename string) error {
	_, err := db.removeSongStmt.Exec(filename)
	return err
}
