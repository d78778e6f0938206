package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// Shared identities for lifecycle tests.
const (
	TestEmail     = "a@x.com"
	TestOtherMail = "b@x.com"
	TestUserID    = "user_01"
	TestName      = "A"
	TestPhone     = "555"
	TestMachine   = "M1"
	TestMachine2  = "M2"
)

// WriteIDFile writes ids as a JSON array of strings to path.
func WriteIDFile(t *testing.T, path string, ids []string) {
	t.Helper()
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		t.Fatalf("marshal ids: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// ReadIDFile reads a JSON array of strings from path.
func ReadIDFile(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		t.Fatalf("unmarshal %s: %v", path, err)
	}
	return ids
}

// RegistryFiles creates the allow-list and used-set files in a temp dir
// and returns their paths. A nil used slice leaves the used file absent.
func RegistryFiles(t *testing.T, valid, used []string) (validPath, usedPath string) {
	t.Helper()
	dir := t.TempDir()
	validPath = filepath.Join(dir, "user_ids.json")
	usedPath = filepath.Join(dir, "used-user-ids.json")
	WriteIDFile(t, validPath, valid)
	if used != nil {
		WriteIDFile(t, usedPath, used)
	}
	return validPath, usedPath
}
