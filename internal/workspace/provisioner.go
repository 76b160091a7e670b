package workspace

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/acpgate/acpgate/internal/common/config"
	"github.com/acpgate/acpgate/internal/common/logger"
)

// maxPrefixFiles bounds how many existing entries a sync may delete. A count
// above this means the prefix is matching files it should not own.
const maxPrefixFiles = 20

// managedSubdirs are the agent-home directories the provisioner owns entries
// in, scoped to the agent-name prefix.
var managedSubdirs = []string{"agents", "steering", "skills"}

// homePlaceholder in template .json files is replaced with the resolved agent
// home so templates stay relocatable.
const homePlaceholder = "{{AGENT_HOME}}"

// Provisioner syncs the agent's config home from the template directory.
//
// On startup it deletes every entry matching the agent-name prefix in each
// managed subdirectory and copies fresh ones from the template. Entries
// outside the prefix are never touched, so several gateways with distinct
// agent names can share one home.
type Provisioner struct {
	agentName    string
	templatePath string
	agentHome    string
	log          *logger.Logger
}

// NewProvisioner builds a provisioner from the agent configuration.
func NewProvisioner(cfg *config.AgentConfig, log *logger.Logger) *Provisioner {
	return &Provisioner{
		agentName:    cfg.Name,
		templatePath: cfg.ConfigPath,
		agentHome:    cfg.HomeDir(),
		log:          log,
	}
}

// Provision runs the prefix-based sync. It refuses to proceed when the safety
// checks fail; callers treat an error here as a startup precondition failure.
func (p *Provisioner) Provision() error {
	if err := p.safetyChecks(); err != nil {
		return err
	}

	existing, err := p.countPrefixFiles()
	if err != nil {
		return err
	}
	if existing > maxPrefixFiles {
		return fmt.Errorf(
			"safety limit exceeded: %d entries match prefix %q across managed directories (max %d)",
			existing, p.agentName, maxPrefixFiles)
	}

	for _, subdir := range managedSubdirs {
		srcDir := filepath.Join(p.templatePath, subdir)
		dstDir := filepath.Join(p.agentHome, subdir)
		if err := os.MkdirAll(dstDir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dstDir, err)
		}
		if err := p.syncPrefix(srcDir, dstDir); err != nil {
			return err
		}
	}

	agentJSON := filepath.Join(p.agentHome, "agents", p.agentName+".json")
	if fi, err := os.Stat(agentJSON); err != nil || fi.IsDir() {
		return fmt.Errorf("agent config not found after provisioning: %s", agentJSON)
	}

	p.log.Info("provisioned agent home",
		zap.String("home", p.agentHome),
		zap.String("prefix", p.agentName))
	return nil
}

func (p *Provisioner) safetyChecks() error {
	if !config.AgentNamePattern.MatchString(p.agentName) {
		return fmt.Errorf("agent name must match %s, got %q", config.AgentNamePattern, p.agentName)
	}

	agentTemplate := filepath.Join(p.templatePath, "agents", p.agentName+".json")
	if fi, err := os.Stat(agentTemplate); err != nil || fi.IsDir() {
		return fmt.Errorf("template must contain agent config: %s", agentTemplate)
	}
	return nil
}

// countPrefixFiles counts entries matching the prefix across all managed
// directories in the agent home.
func (p *Provisioner) countPrefixFiles() (int, error) {
	count := 0
	for _, subdir := range managedSubdirs {
		entries, err := os.ReadDir(filepath.Join(p.agentHome, subdir))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, fmt.Errorf("failed to scan %s: %w", subdir, err)
		}
		for _, entry := range entries {
			if strings.HasPrefix(entry.Name(), p.agentName) {
				count++
			}
		}
	}
	return count, nil
}

// syncPrefix deletes every prefix-matching entry in dstDir, then copies the
// matching entries from srcDir.
func (p *Provisioner) syncPrefix(srcDir, dstDir string) error {
	entries, err := os.ReadDir(dstDir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read %s: %w", dstDir, err)
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), p.agentName) {
			continue
		}
		path := filepath.Join(dstDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("failed to delete %s: %w", path, err)
		}
		p.log.Debug("deleted stale entry", zap.String("path", path))
	}

	srcEntries, err := os.ReadDir(srcDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read template %s: %w", srcDir, err)
	}
	for _, entry := range srcEntries {
		if !strings.HasPrefix(entry.Name(), p.agentName) {
			continue
		}
		src := filepath.Join(srcDir, entry.Name())
		dst := filepath.Join(dstDir, entry.Name())
		if entry.IsDir() {
			err = copyTree(src, dst)
		} else if filepath.Ext(entry.Name()) == ".json" {
			err = p.copyTemplated(src, dst)
		} else {
			err = copyFile(src, dst)
		}
		if err != nil {
			return err
		}
		p.log.Debug("copied template entry",
			zap.String("src", src), zap.String("dst", dst))
	}
	return nil
}

// copyTemplated copies a JSON file, substituting the home placeholder.
func (p *Provisioner) copyTemplated(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	content := strings.ReplaceAll(string(data), homePlaceholder, p.agentHome)
	if err := os.WriteFile(dst, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}
