package supervisor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"
)

// Pidfile records one managed child process so a restarted daemon can tell
// its own orphans apart from recycled pids.
type Pidfile struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	ArgvHash  string    `json:"argv_hash"`
}

// ArgvHash fingerprints a command line. NUL join keeps ["a b"] distinct
// from ["a", "b"].
func ArgvHash(argv []string) string {
	sum := sha256.Sum256([]byte(strings.Join(argv, "\x00")))
	return hex.EncodeToString(sum[:])
}

// WritePidfile persists the record atomically.
func WritePidfile(path string, pf Pidfile) error {
	data, err := json.Marshal(pf)
	if err != nil {
		return fmt.Errorf("marshal pidfile: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write pidfile: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadPidfile loads a record; ok is false when the file does not exist or
// cannot be parsed (a half-written file is treated as absent).
func ReadPidfile(path string) (Pidfile, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Pidfile{}, false
	}
	var pf Pidfile
	if err := json.Unmarshal(data, &pf); err != nil || pf.PID <= 0 {
		return Pidfile{}, false
	}
	return pf, true
}

// RemovePidfile deletes the record. Missing files are fine.
func RemovePidfile(path string) {
	_ = os.Remove(path)
}

// ProcessAlive reports whether a pid refers to a live process we may signal.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}
