package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseResourceStatus extracts the trailing JSON status line from
// verify-script output. The script prints human-readable progress
// followed by one line mapping resource ids to "success" or "failed";
// the last parseable JSON object wins.
func ParseResourceStatus(output string) (map[string]string, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var statuses map[string]string
		if err := json.Unmarshal([]byte(line), &statuses); err != nil {
			continue
		}
		return statuses, nil
	}
	return nil, fmt.Errorf("no resource status line in verify output")
}

func encodeStatusLine(statuses map[string]string) string {
	b, _ := json.Marshal(statuses)
	return string(b)
}
