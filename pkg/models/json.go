package models

import (
	"database/sql/driver"
	"fmt"

	json "github.com/goccy/go-json"
)

// JSON column types. These implement sql.Scanner and driver.Valuer so the
// store layer can persist structured payloads in TEXT columns.

// Value implements driver.Valuer.
func (d SessionData) Value() (driver.Value, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (d *SessionData) Scan(src any) error {
	return scanJSON(src, d)
}

// Value implements driver.Valuer.
func (r RecoveryData) Value() (driver.Value, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (r *RecoveryData) Scan(src any) error {
	return scanJSON(src, r)
}

// Value implements driver.Valuer.
func (c SessionConfig) Value() (driver.Value, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (c *SessionConfig) Scan(src any) error {
	return scanJSON(src, c)
}

// ConsequenceList is a JSON column wrapper for decision consequences.
type ConsequenceList []Consequence

// Value implements driver.Valuer.
func (l ConsequenceList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *ConsequenceList) Scan(src any) error {
	return scanJSON(src, l)
}

func scanJSON(src, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
}
