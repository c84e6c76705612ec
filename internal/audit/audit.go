package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/mrlokans/circulation/internal/entities"
)

// Auditor spills audit entries that could not be persisted to JSON files,
// one file per spill with a UUID4 name, so they survive until replayed.
type Auditor struct {
	AuditDir string
}

func NewAuditor(auditDir string) *Auditor {
	return &Auditor{
		AuditDir: auditDir,
	}
}

// Spill saves entries to a new file and returns its name.
func (a *Auditor) Spill(entries []entities.AuditLog) (string, error) {
	if err := a.ensureAuditDir(); err != nil {
		return "", fmt.Errorf("failed to ensure audit directory: %w", err)
	}

	filename := fmt.Sprintf("%s.json", uuid.New().String())
	path := filepath.Join(a.AuditDir, filename)

	jsonData, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal audit entries: %w", err)
	}

	// Write to a temp name first so a crash never leaves a partial file to replay.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, jsonData, 0644); err != nil {
		return "", fmt.Errorf("failed to write audit file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to finalize audit file: %w", err)
	}

	return filename, nil
}

// Spilled lists spill files in name order.
func (a *Auditor) Spilled() ([]string, error) {
	dirEntries, err := os.ReadDir(a.AuditDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read audit directory: %w", err)
	}

	var names []string
	for _, e := range dirEntries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Load reads the entries of one spill file.
func (a *Auditor) Load(filename string) ([]entities.AuditLog, error) {
	data, err := os.ReadFile(filepath.Join(a.AuditDir, filename))
	if err != nil {
		return nil, fmt.Errorf("failed to read audit file: %w", err)
	}
	var entries []entities.AuditLog
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse audit file %s: %w", filename, err)
	}
	return entries, nil
}

// Remove deletes a replayed spill file.
func (a *Auditor) Remove(filename string) error {
	return os.Remove(filepath.Join(a.AuditDir, filename))
}

// ensureAuditDir creates the audit directory if it doesn't exist
func (a *Auditor) ensureAuditDir() error {
	if _, err := os.Stat(a.AuditDir); os.IsNotExist(err) {
		if err := os.MkdirAll(a.AuditDir, 0755); err != nil {
			return fmt.Errorf("failed to create audit directory: %w", err)
		}
	}
	return nil
}
