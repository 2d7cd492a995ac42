package settings

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// MaxRecent is the number of recent video paths kept.
const MaxRecent = 10

// Config keys
const (
	KeyAuthToken       = "auth_token"
	KeyLastVideo       = "last_video"
	KeyLastOutputDir   = "last_output_dir"
	KeyDefaultStart    = "default_start"
	KeyDefaultInterval = "default_interval"
	KeyDefaultFormat   = "default_format"
)

// Preferences are the remembered per-user defaults.
type Preferences struct {
	LastVideo       string `json:"last_video"`
	LastOutputDir   string `json:"last_output_dir"`
	DefaultStart    string `json:"default_start"`
	DefaultInterval int64  `json:"default_interval"`
	DefaultFormat   string `json:"default_format"`
}

// DefaultPreferences start at the beginning of the video, every frame, WebP.
func DefaultPreferences() Preferences {
	return Preferences{
		DefaultStart:    "00:00:00",
		DefaultInterval: 1,
		DefaultFormat:   "webp",
	}
}

type Repository interface {
	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error

	AddRecent(ctx context.Context, path string) error
	ListRecent(ctx context.Context) ([]string, error)
	RemoveRecent(ctx context.Context, path string) error

	LoadPreferences(ctx context.Context) (Preferences, error)
	SavePreferences(ctx context.Context, p Preferences) error
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// AddRecent moves path to the front of the recent list and trims the list to
// MaxRecent entries.
func (s *Store) AddRecent(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Nanoseconds keep two additions within the same second ordered.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO recent_files (path, used_at) VALUES (?, ?)
		ON CONFLICT(path) DO UPDATE SET used_at = excluded.used_at
	`, path, s.stamp(ctx, tx)); err != nil {
		return fmt.Errorf("add recent file: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM recent_files WHERE path NOT IN (
			SELECT path FROM recent_files ORDER BY used_at DESC LIMIT ?
		)
	`, MaxRecent); err != nil {
		return fmt.Errorf("trim recent files: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, KeyLastVideo, path); err != nil {
		return err
	}
	return tx.Commit()
}

// stamp returns a strictly increasing use time so that ordering survives a
// coarse or repeated clock.
func (s *Store) stamp(ctx context.Context, tx *sql.Tx) int64 {
	now := s.now().UnixNano()
	var newest sql.NullInt64
	if err := tx.QueryRowContext(ctx, "SELECT MAX(used_at) FROM recent_files").Scan(&newest); err == nil &&
		newest.Valid && newest.Int64 >= now {
		return newest.Int64 + 1
	}
	return now
}

// ListRecent returns recent paths, most recent first.
func (s *Store) ListRecent(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT path FROM recent_files ORDER BY used_at DESC LIMIT ?", MaxRecent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func (s *Store) RemoveRecent(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM recent_files WHERE path = ?", path)
	return err
}

// LoadPreferences returns the stored preferences over the defaults.
func (s *Store) LoadPreferences(ctx context.Context) (Preferences, error) {
	p := DefaultPreferences()
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value FROM config WHERE key IN (?, ?, ?, ?, ?)
	`, KeyLastVideo, KeyLastOutputDir, KeyDefaultStart, KeyDefaultInterval, KeyDefaultFormat)
	if err != nil {
		return p, err
	}
	defer rows.Close()

	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return p, err
		}
		switch k {
		case KeyLastVideo:
			p.LastVideo = v
		case KeyLastOutputDir:
			p.LastOutputDir = v
		case KeyDefaultStart:
			p.DefaultStart = v
		case KeyDefaultInterval:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 1 {
				p.DefaultInterval = n
			}
		case KeyDefaultFormat:
			p.DefaultFormat = v
		}
	}
	return p, rows.Err()
}

func (s *Store) SavePreferences(ctx context.Context, p Preferences) error {
	if p.DefaultInterval < 1 {
		return fmt.Errorf("default interval %d must be at least 1", p.DefaultInterval)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	kv := [][2]string{
		{KeyLastVideo, p.LastVideo},
		{KeyLastOutputDir, p.LastOutputDir},
		{KeyDefaultStart, p.DefaultStart},
		{KeyDefaultInterval, strconv.FormatInt(p.DefaultInterval, 10)},
		{KeyDefaultFormat, p.DefaultFormat},
	}
	for _, e := range kv {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO config (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, e[0], e[1]); err != nil {
			return fmt.Errorf("save %s: %w", e[0], err)
		}
	}
	return tx.Commit()
}

// SetOutputDir remembers the output directory last used for a video.
func (s *Store) SetOutputDir(ctx context.Context, videoPath, dir string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO output_dirs (video_path, output_dir, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(video_path) DO UPDATE SET output_dir = excluded.output_dir, updated_at = excluded.updated_at
	`, videoPath, dir, s.now().Unix())
	return err
}

// OutputDirFor returns the remembered output directory for a video, or "".
func (s *Store) OutputDirFor(ctx context.Context, videoPath string) (string, error) {
	var dir string
	err := s.db.QueryRowContext(ctx,
		"SELECT output_dir FROM output_dirs WHERE video_path = ?", videoPath).Scan(&dir)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return dir, err
}

// EnsureAuthToken returns the stored API token, generating one on first use.
func EnsureAuthToken(ctx context.Context, repo Repository) (string, error) {
	existing, err := repo.GetConfig(ctx, KeyAuthToken)
	if err != nil {
		return "", err
	}
	if existing != "" {
		return existing, nil
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	token := hex.EncodeToString(tokenBytes)
	if err := repo.SetConfig(ctx, KeyAuthToken, token); err != nil {
		return "", fmt.Errorf("failed to save token: %w", err)
	}
	return token, nil
}
