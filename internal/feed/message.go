package feed

import (
	"bytes"
	"encoding/json"
	"fmt"

	"replica_dashboard/internal/domain"
)

// decodeLine parses one line of the stream body. A line carries either a
// single message or an array of messages; blank lines are keep-alives.
func decodeLine(line []byte) ([]domain.Message, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, nil
	}

	if line[0] == '[' {
		var msgs []domain.Message
		if err := json.Unmarshal(line, &msgs); err != nil {
			return nil, fmt.Errorf("decode message array: %w", err)
		}
		return msgs, nil
	}

	var msg domain.Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return []domain.Message{msg}, nil
}
