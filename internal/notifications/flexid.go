package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FlexID decodes an integer id sent either as a JSON number or as a numeric
// string. null decodes to zero.
type FlexID int64

func (f *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return f.parse(strings.TrimSpace(s))
	}
	return f.parse(string(data))
}

func (f *FlexID) parse(s string) error {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("id %q is not an integer", s)
	}
	*f = FlexID(n)
	return nil
}

func (f FlexID) Int64() int64 { return int64(f) }
