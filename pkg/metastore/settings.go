package metastore

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"

	"github.com/lorekeep/lorekeep/pkg/domain"
)

// envKeyOverrides maps provider API-key setting names to the environment
// variables that take precedence over encrypted rows.
var envKeyOverrides = map[string]string{
	"OpenAi.ApiKey":    "OPENAI_API_KEY",
	"Anthropic.ApiKey": "ANTHROPIC_API_KEY",
	"Google.ApiKey":    "GEMINI_API_KEY",
}

// Settings reads and writes app_settings rows. It is the only writer of
// that table.
type Settings struct {
	store  *Store
	cipher *SettingCipher
}

// NewSettings wires the repository; cipher may be nil when no secrets are
// configured (reads of encrypted rows then fail explicitly).
func NewSettings(store *Store, cipher *SettingCipher) *Settings {
	return &Settings{store: store, cipher: cipher}
}

// Get returns the plain value of a setting, or its default when unset.
func (r *Settings) Get(name string) (string, error) {
	var value, defaultValue sql.NullString
	var isEncrypted bool
	err := r.store.db.QueryRow(
		"SELECT value, default_value, is_encrypted FROM app_settings WHERE name = ?", name,
	).Scan(&value, &defaultValue, &isEncrypted)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: setting %s", domain.ErrNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("read setting %s: %w", name, err)
	}
	if isEncrypted {
		return "", fmt.Errorf("setting %s is encrypted, use GetSecret", name)
	}
	if value.Valid {
		return value.String, nil
	}
	if defaultValue.Valid {
		return defaultValue.String, nil
	}
	return "", nil
}

// GetInt parses an Integer setting.
func (r *Settings) GetInt(name string) (int, error) {
	raw, err := r.Get(name)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("setting %s is not an integer: %w", name, err)
	}
	return n, nil
}

// GetFloat parses a numeric setting.
func (r *Settings) GetFloat(name string) (float64, error) {
	raw, err := r.Get(name)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("setting %s is not a number: %w", name, err)
	}
	return f, nil
}

// IntOr returns the setting or fallback when missing/invalid.
func (r *Settings) IntOr(name string, fallback int) int {
	if n, err := r.GetInt(name); err == nil {
		return n
	}
	return fallback
}

// FloatOr returns the setting or fallback when missing/invalid.
func (r *Settings) FloatOr(name string, fallback float64) float64 {
	if f, err := r.GetFloat(name); err == nil {
		return f
	}
	return fallback
}

// StringOr returns the setting or fallback when missing.
func (r *Settings) StringOr(name, fallback string) string {
	if v, err := r.Get(name); err == nil && v != "" {
		return v
	}
	return fallback
}

// Set writes a plain value, creating the row when absent.
func (r *Settings) Set(name, value, category string, dataType domain.SettingDataType) error {
	_, err := r.store.db.Exec(`
		INSERT INTO app_settings (name, value, encrypted_value, is_encrypted, category, data_type)
		VALUES (?, ?, NULL, 0, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, encrypted_value = NULL, is_encrypted = 0`,
		name, value, category, string(dataType))
	if err != nil {
		return fmt.Errorf("write setting %s: %w", name, err)
	}
	return nil
}

// SetSecret encrypts and stores a secret value. Exactly one of
// value/encrypted_value is populated per row.
func (r *Settings) SetSecret(name, plaintext, category string) error {
	if r.cipher == nil {
		return fmt.Errorf("%w: no settings passphrase configured", domain.ErrConfigMissing)
	}
	blob, err := r.cipher.Encrypt([]byte(plaintext))
	if err != nil {
		return fmt.Errorf("encrypt setting %s: %w", name, err)
	}
	_, err = r.store.db.Exec(`
		INSERT INTO app_settings (name, value, encrypted_value, is_encrypted, category, data_type)
		VALUES (?, NULL, ?, 1, ?, 'String')
		ON CONFLICT(name) DO UPDATE SET value = NULL, encrypted_value = excluded.encrypted_value, is_encrypted = 1`,
		name, blob, category)
	if err != nil {
		return fmt.Errorf("write setting %s: %w", name, err)
	}
	return nil
}

// GetSecret resolves a secret: matching environment variable first, then
// the encrypted row. Returns ErrConfigMissing when neither is present.
func (r *Settings) GetSecret(name string) (string, error) {
	if env, ok := envKeyOverrides[name]; ok {
		if v := os.Getenv(env); v != "" {
			return v, nil
		}
	}

	var blob []byte
	var isEncrypted bool
	err := r.store.db.QueryRow(
		"SELECT encrypted_value, is_encrypted FROM app_settings WHERE name = ?", name,
	).Scan(&blob, &isEncrypted)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: %s", domain.ErrConfigMissing, name)
	}
	if err != nil {
		return "", fmt.Errorf("read setting %s: %w", name, err)
	}
	if !isEncrypted || len(blob) == 0 {
		return "", fmt.Errorf("%w: %s", domain.ErrConfigMissing, name)
	}
	if r.cipher == nil {
		return "", fmt.Errorf("%w: no settings passphrase configured", domain.ErrConfigMissing)
	}
	plaintext, err := r.cipher.Decrypt(blob)
	if err != nil {
		return "", fmt.Errorf("decrypt setting %s: %w", name, err)
	}
	return string(plaintext), nil
}

// List returns all settings in a category with secret values redacted.
func (r *Settings) List(category string) ([]domain.AppSetting, error) {
	rows, err := r.store.db.Query(`
		SELECT name, value, is_encrypted, category, data_type, default_value
		FROM app_settings WHERE category = ? ORDER BY name`, category)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.AppSetting
	for rows.Next() {
		var s domain.AppSetting
		var value, defaultValue sql.NullString
		var dataType string
		if err := rows.Scan(&s.Name, &value, &s.IsEncrypted, &s.Category, &dataType, &defaultValue); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		if value.Valid {
			v := value.String
			s.Value = &v
		}
		if defaultValue.Valid {
			v := defaultValue.String
			s.DefaultValue = &v
		}
		s.DataType = domain.SettingDataType(dataType)
		out = append(out, s)
	}
	return out, rows.Err()
}
