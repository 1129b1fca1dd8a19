package process

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PIDMeta is the optional second line of a PID file. StartUnix lets a later
// reader tell the original process from one that reused its pid.
type PIDMeta struct {
	StartUnix int64 `json:"start_unix"`
}

// PIDRecord is the parsed content of a PID file.
type PIDRecord struct {
	PID  int
	Meta PIDMeta
}

// WritePIDFile writes pid and its start time to path, creating parent
// directories.
func WritePIDFile(path string, pid int) error {
	if path == "" || pid <= 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	content := strconv.Itoa(pid) + "\n"
	if start := StartUnix(pid); start > 0 {
		b, _ := json.Marshal(PIDMeta{StartUnix: start})
		content += string(b) + "\n"
	}
	return os.WriteFile(path, []byte(content), 0o600)
}

// ReadPIDFile returns the pid from a PID file written by WritePIDFile.
func ReadPIDFile(path string) (int, error) {
	rec, err := ReadPIDRecord(path)
	return rec.PID, err
}

// ReadPIDRecord parses a PID file. A missing or malformed meta line is
// ignored; only the pid is required.
func ReadPIDRecord(path string) (PIDRecord, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return PIDRecord{}, err
	}
	lines := strings.Split(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return PIDRecord{}, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	rec := PIDRecord{PID: pid}
	if len(lines) > 1 {
		_ = json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &rec.Meta)
	}
	return rec, nil
}

// RemovePIDFile best-effort
func RemovePIDFile(path string) {
	if path != "" {
		_ = os.Remove(path)
	}
}
