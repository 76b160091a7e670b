// Package workspace manages the on-disk directories agents run in and the
// prefix-scoped sync of the agent's config home from a template directory.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Dir returns the workspace directory for one conversational thread,
// creating it if needed. The layout is base/<user_id>/<thread_id>/.
func Dir(basePath string, userID, threadID int64) (string, error) {
	dir := filepath.Join(basePath,
		strconv.FormatInt(userID, 10),
		strconv.FormatInt(threadID, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace %s: %w", dir, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return dir, nil
	}
	return abs, nil
}
