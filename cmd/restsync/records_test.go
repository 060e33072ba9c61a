package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperengineering/restsync/pkg/restsync"
)

// executeCmd executes a subcommand with captured output against an
// isolated database.
func executeCmd(t *testing.T, dbPath, stdin string, args ...string) (stdout, stderr string, err error) {
	t.Helper()

	// Cobra parses into package-level flag variables, so stale values from
	// previous tests would leak if not reset.
	dbOverride = ""
	jsonOutput = false
	clearForce = false
	pruneLifetime = ""
	recordsShowRaw = false
	keyAPIVersion = "1.1"
	keyKind = "auto"

	t.Setenv("RESTSYNC_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	fullArgs := append(args, "--db", dbPath)

	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)

	rootCmd.SetOut(outBuf)
	rootCmd.SetErr(errBuf)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(fullArgs)

	err = rootCmd.Execute()

	rootCmd.SetOut(nil)
	rootCmd.SetErr(nil)
	rootCmd.SetIn(nil)
	rootCmd.SetArgs(nil)

	return outBuf.String(), errBuf.String(), err
}

// seedStore caches responses for paths in a fresh database and queues one
// local post whose sync fails.
func seedStore(t *testing.T, paths ...string) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "restsync.db")

	online := true
	cfg := restsync.DefaultConfig()
	cfg.Driver = "sqlite"
	cfg.StorePath = dbPath
	cfg.Transport = func(ctx context.Context, req *restsync.Request, fn restsync.Callback) {
		if !online {
			fn(nil, errors.New("offline"))
			return
		}
		fn(restsync.Body(`{"path":"`+req.Path+`"}`), nil)
	}
	client, err := restsync.New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer client.Close()

	ctx := context.Background()
	for _, p := range paths {
		if _, err := client.Get(ctx, p, ""); err != nil {
			t.Fatalf("Get %s failed: %v", p, err)
		}
	}

	online = false
	client.Do(ctx, &restsync.Request{
		APIVersion: "1.1",
		Method:     "POST",
		Path:       "/sites/example.com/posts/new",
		Body:       restsync.Body(`{"title":"draft"}`),
	}, func(restsync.Body, error) {})
	return dbPath
}

func TestRecordsList_Empty(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "empty.db")

	stdout, _, err := executeCmd(t, dbPath, "", "records", "list")
	if err != nil {
		t.Fatalf("records list failed: %v", err)
	}
	if !strings.Contains(stdout, "No records cached.") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestRecordsList_Table(t *testing.T) {
	dbPath := seedStore(t, "/me", "/sites/example.com/posts")

	stdout, _, err := executeCmd(t, dbPath, "", "records", "list")
	if err != nil {
		t.Fatalf("records list failed: %v", err)
	}
	if !strings.Contains(stdout, "KEY") || !strings.Contains(stdout, "PAGE SERIES") {
		t.Errorf("missing header: %q", stdout)
	}
	if !strings.Contains(stdout, "now") {
		t.Errorf("expected humanized age in %q", stdout)
	}
}

func TestRecordsList_JSON(t *testing.T) {
	dbPath := seedStore(t, "/me", "/me/settings")

	stdout, _, err := executeCmd(t, dbPath, "", "records", "list", "--json")
	if err != nil {
		t.Fatalf("records list failed: %v", err)
	}

	var out struct {
		Records []restsync.IndexEntry `json:"records"`
		Total   int                   `json:"total"`
	}
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("invalid JSON %q: %v", stdout, err)
	}
	if out.Total != 2 || len(out.Records) != 2 {
		t.Errorf("total = %d, records = %d, want 2", out.Total, len(out.Records))
	}
}

func TestRecordsShow(t *testing.T) {
	dbPath := seedStore(t, "/me")

	stdout, _, err := executeCmd(t, dbPath, "", "records", "list", "--json")
	if err != nil {
		t.Fatal(err)
	}
	var list struct {
		Records []restsync.IndexEntry `json:"records"`
	}
	if err := json.Unmarshal([]byte(stdout), &list); err != nil || len(list.Records) != 1 {
		t.Fatalf("list = %q, %v", stdout, err)
	}
	key := list.Records[0].Key

	stdout, _, err = executeCmd(t, dbPath, "", "records", "show", key)
	if err != nil {
		t.Fatalf("records show failed: %v", err)
	}
	if !strings.Contains(stdout, "GET /rest/v1.1/me") {
		t.Errorf("missing request line: %q", stdout)
	}
	if !strings.Contains(stdout, `"path": "/me"`) {
		t.Errorf("missing body: %q", stdout)
	}

	stdout, _, err = executeCmd(t, dbPath, "", "records", "show", key, "--raw")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(stdout, "Key:") || !strings.Contains(stdout, `"/me"`) {
		t.Errorf("raw output = %q", stdout)
	}

	if _, _, err := executeCmd(t, dbPath, "", "records", "show", "sync-queue"); err == nil {
		t.Error("expected error for a non-record key")
	}
}

func TestRecordsPrune(t *testing.T) {
	dbPath := seedStore(t, "/me")

	stdout, _, err := executeCmd(t, dbPath, "", "records", "prune", "--json")
	if err != nil {
		t.Fatalf("records prune failed: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("invalid JSON %q: %v", stdout, err)
	}
	if out["removed"] != float64(0) || out["lifetime"] != "2 days" {
		t.Errorf("prune = %v", out)
	}

	if _, _, err := executeCmd(t, dbPath, "", "records", "prune", "--lifetime", "soon"); err == nil {
		t.Error("expected error for invalid lifetime")
	}
}

func TestRecordsClear_RequiresConfirmation(t *testing.T) {
	dbPath := seedStore(t, "/me")

	stdout, stderr, err := executeCmd(t, dbPath, "nope\n", "records", "clear")
	if err != nil {
		t.Fatalf("records clear failed: %v", err)
	}
	if !strings.Contains(stderr, "Aborted.") {
		t.Errorf("stderr = %q", stderr)
	}
	if stdout != "" {
		t.Errorf("stdout = %q, want nothing removed", stdout)
	}

	stdout, _, _ = executeCmd(t, dbPath, "", "records", "list", "--json")
	if !strings.Contains(stdout, `"total": 1`) {
		t.Errorf("record removed without confirmation: %q", stdout)
	}
}

func TestRecordsClear_Confirmed(t *testing.T) {
	dbPath := seedStore(t, "/me", "/me/settings")

	stdout, _, err := executeCmd(t, dbPath, "clear\n", "records", "clear")
	if err != nil {
		t.Fatalf("records clear failed: %v", err)
	}
	if !strings.Contains(stdout, "Removed") {
		t.Errorf("stdout = %q", stdout)
	}

	stdout, _, _ = executeCmd(t, dbPath, "", "records", "list")
	if !strings.Contains(stdout, "No records cached.") {
		t.Errorf("records remain: %q", stdout)
	}

	stdout, _, err = executeCmd(t, dbPath, "", "records", "clear", "--force", "--json")
	if err != nil {
		t.Fatalf("forced clear failed: %v", err)
	}
	if !strings.Contains(stdout, `"removed": 1`) {
		t.Errorf("second clear = %q, want only the manifest removed", stdout)
	}
}

func TestQueueList(t *testing.T) {
	dbPath := seedStore(t)

	stdout, _, err := executeCmd(t, dbPath, "", "queue", "list")
	if err != nil {
		t.Fatalf("queue list failed: %v", err)
	}
	if !strings.Contains(stdout, "/sites/example.com/posts/new") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestQueueSync_FailureKeepsPost(t *testing.T) {
	dbPath := seedStore(t)

	// The configured remote is unreachable.
	t.Setenv("RESTSYNC_BASE_URL", "http://127.0.0.1:1")
	t.Setenv("RESTSYNC_REMOTE_TIMEOUT", "2s")

	stdout, _, err := executeCmd(t, dbPath, "", "queue", "sync")
	if err == nil {
		t.Error("expected error when sync fails")
	}
	if !strings.Contains(stdout, "Attempted 1, 1 still queued") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestKeyCmd(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "key.db")

	stdout, _, err := executeCmd(t, dbPath, "", "key", "get", "/sites/example.com/posts", "number=20", "--json")
	if err != nil {
		t.Fatalf("key failed: %v", err)
	}
	var info restsync.KeyInfo
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("invalid JSON %q: %v", stdout, err)
	}
	if !info.List || info.PageSeriesKey == "" || info.Key == "" {
		t.Errorf("info = %+v", info)
	}

	stdout, _, err = executeCmd(t, dbPath, "", "key", "GET", "/me", "--kind", "single")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stdout, "Key:") || strings.Contains(stdout, "Page series:") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestKeyCmd_Invalid(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "key.db")

	if _, _, err := executeCmd(t, dbPath, "", "key", "GET", "me"); err == nil {
		t.Error("expected error for a relative path")
	}
	if _, _, err := executeCmd(t, dbPath, "", "key", "GET", "/me", "--kind", "many"); err == nil {
		t.Error("expected error for an unknown kind")
	}
}

func TestVersionCmd(t *testing.T) {
	stdout, _, err := executeCmd(t, filepath.Join(t.TempDir(), "v.db"), "", "version")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(stdout) != Version {
		t.Errorf("version = %q, want %q", stdout, Version)
	}
}
