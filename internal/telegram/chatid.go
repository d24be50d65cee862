package telegram

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ChatID is an opaque delivery address. Numeric ids are stored as JSON
// numbers, anything else (for example "@channel") as a JSON string.
type ChatID string

// ChatIDFromInt converts a numeric chat id.
func ChatIDFromInt(id int64) ChatID { return ChatID(strconv.FormatInt(id, 10)) }

// Int64 reports the numeric form of the address, if it has one.
func (c ChatID) Int64() (int64, bool) {
	n, err := strconv.ParseInt(string(c), 10, 64)
	return n, err == nil
}

func (c ChatID) String() string { return string(c) }

// MarshalJSON writes the canonical decimal form as a number. Anything
// ParseInt accepts but JSON does not ("007", "+5", "-0") stays a string.
func (c ChatID) MarshalJSON() ([]byte, error) {
	if n, ok := c.Int64(); ok && strconv.FormatInt(n, 10) == string(c) {
		return []byte(c), nil
	}
	return json.Marshal(string(c))
}

func (c *ChatID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*c = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = ChatID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("chat id: %w", err)
	}
	if _, err := n.Int64(); err != nil {
		return fmt.Errorf("chat id %s: not an integer", n)
	}
	*c = ChatID(n.String())
	return nil
}
