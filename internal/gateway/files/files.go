// Package files moves files between the messaging platform and thread
// workspaces, and guards outbound paths against workspace escape.
package files

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/acpgate/acpgate/internal/common/logger"
	"github.com/acpgate/acpgate/internal/gateway/platform"
	"github.com/acpgate/acpgate/internal/gateway/stream"
)

// ValidatePath reports whether filePath resolves to a location inside
// workspacePath. Symlinks are resolved on both sides, so a link pointing
// outside the workspace does not pass.
func ValidatePath(filePath, workspacePath string) bool {
	workspace, err := resolvePath(workspacePath)
	if err != nil {
		return false
	}
	resolved, err := resolvePath(filePath)
	if err != nil {
		return false
	}

	rel, err := filepath.Rel(workspace, resolved)
	if err != nil {
		return false
	}
	if rel == ".." || len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator) {
		return false
	}
	return true
}

// resolvePath canonicalizes a path that may not exist yet: symlinks are
// resolved on the longest existing ancestor and the remainder is re-joined.
func resolvePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	abs = filepath.Clean(abs)

	existing := abs
	var tail string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		tail = filepath.Join(filepath.Base(existing), tail)
		existing = parent
	}

	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolved, tail), nil
}

// DownloadAll fetches every attachment into the workspace directory and
// returns the local paths. Filenames are flattened to their base name so an
// attachment cannot name a path outside the workspace.
func DownloadAll(ctx context.Context, m platform.Messenger, workspacePath string, attachments []platform.Attachment) ([]string, error) {
	paths := make([]string, 0, len(attachments))
	for _, att := range attachments {
		name := filepath.Base(att.Filename)
		if name == "." || name == string(filepath.Separator) {
			return nil, fmt.Errorf("attachment has no usable filename: %q", att.Filename)
		}
		dest := filepath.Join(workspacePath, name)
		if err := m.Download(ctx, att.FileRef, dest); err != nil {
			return nil, fmt.Errorf("failed to download %s: %w", name, err)
		}
		paths = append(paths, dest)
	}
	return paths, nil
}

// Deliver sends the agent's tagged files to the thread. Paths escaping the
// workspace are dropped with a warning and never retried; paths inside the
// workspace that do not exist yet are returned so the caller can run its
// single retry prompt.
func Deliver(ctx context.Context, m platform.Messenger, chatID, threadID int64, workspacePath string, tags []stream.FileTag, log *logger.Logger) []stream.FileTag {
	var missing []stream.FileTag
	for _, tag := range tags {
		if !ValidatePath(tag.Path, workspacePath) {
			log.Warn("dropping file outside workspace",
				zap.String("path", tag.Path),
				zap.String("workspace", workspacePath))
			continue
		}
		fi, err := os.Stat(tag.Path)
		if err != nil || fi.IsDir() {
			missing = append(missing, tag)
			continue
		}
		if err := m.SendDocument(ctx, chatID, threadID, tag.Path, tag.Description); err != nil {
			log.Error("failed to send document",
				zap.String("path", tag.Path), zap.Error(err))
		}
	}
	return missing
}
