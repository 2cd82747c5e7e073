package storage

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/kjstillabower/minibackends/internal/models"
)

// segmentList stores flight segments as a JSON array column.
// It implements the sql.Scanner and driver.Valuer interfaces.
type segmentList []models.Segment

// Scan implements the sql.Scanner interface. NULL scans as an empty list.
func (s *segmentList) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*s = segmentList{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T", v)
	}
	if len(raw) == 0 {
		*s = segmentList{}
		return nil
	}
	var out []models.Segment
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("decoding segments: %w", err)
	}
	if out == nil {
		out = []models.Segment{}
	}
	*s = out
	return nil
}

// Value implements the driver.Valuer interface.
func (s segmentList) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal([]models.Segment(s))
	if err != nil {
		return nil, fmt.Errorf("encoding segments: %w", err)
	}
	return string(b), nil
}
