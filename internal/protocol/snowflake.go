package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SnowflakeID is a backend-assigned ordered id. It arrives as a JSON string or
// number and is always kept in its decimal string form.
type SnowflakeID string

func (id *SnowflakeID) UnmarshalJSON(data []byte) error {
	raw := bytes.TrimSpace(data)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		*id = ""
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		*id = SnowflakeID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return fmt.Errorf("snowflake id: %w", err)
	}
	*id = SnowflakeID(n.String())
	return nil
}

func (id SnowflakeID) String() string { return string(id) }

func (id SnowflakeID) IsZero() bool { return strings.TrimSpace(string(id)) == "" }

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Compare orders ids numerically. Ids that are not plain unsigned integers
// sort after all numeric ids, lexically among themselves.
func (id SnowflakeID) Compare(other SnowflakeID) int {
	a, b := string(id), string(other)
	an, bn := isDigits(a), isDigits(b)
	switch {
	case an && bn:
		a = strings.TrimLeft(a, "0")
		b = strings.TrimLeft(b, "0")
		if len(a) != len(b) {
			if len(a) < len(b) {
				return -1
			}
			return 1
		}
		return strings.Compare(a, b)
	case an:
		return -1
	case bn:
		return 1
	default:
		return strings.Compare(a, b)
	}
}

const temporaryIDPrefix = "temp-"

// NewTemporaryID returns a client-side placeholder id for an optimistic message.
func NewTemporaryID() string {
	return fmt.Sprintf("%s%d-%s", temporaryIDPrefix, time.Now().UnixMilli(), uuid.NewString()[:8])
}

func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, temporaryIDPrefix)
}
