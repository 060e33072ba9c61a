//go:build e2e

package e2e

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

const e2eAPIKey = "e2e-test-api-key"

// upstream is a fake REST API that can be taken offline and that records
// every request it serves.
type upstream struct {
	srv *httptest.Server

	mu       sync.Mutex
	offline  bool
	nextID   int
	requests []string
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{nextID: 100}
	u.srv = httptest.NewServer(http.HandlerFunc(u.serve))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) serve(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	offline := u.offline
	u.requests = append(u.requests, r.Method+" "+r.URL.Path)
	id := u.nextID
	if r.Method == http.MethodPost {
		u.nextID++
	}
	u.mu.Unlock()

	if offline {
		http.Error(w, `{"error":"unavailable","message":"offline"}`, http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/posts/new"):
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		body["ID"] = id
		json.NewEncoder(w).Encode(body)
	case strings.HasSuffix(r.URL.Path, "/missing"):
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":"unknown_post","message":"Unknown post"}`)
	default:
		fmt.Fprintf(w, `{"path":%q,"at":%q}`, r.URL.Path, time.Now().Format(time.RFC3339Nano))
	}
}

func (u *upstream) setOffline(offline bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.offline = offline
}

func (u *upstream) count(prefix string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, r := range u.requests {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}
	return n
}

// restsyncServer manages a running restsync proxy process.
type restsyncServer struct {
	cmd      *exec.Cmd
	dataDir  string
	address  string
	upstream string
	logFile  string
}

// startRestsync launches the restsync binary and waits for it to become
// healthy. It is configured entirely via environment variables.
func startRestsync(t *testing.T, upstreamURL string) *restsyncServer {
	t.Helper()
	requireRestsync(t)
	return launch(t, t.TempDir(), upstreamURL, "restsync.log")
}

func launch(t *testing.T, dataDir, upstreamURL, logName string) *restsyncServer {
	t.Helper()

	port := freePort(t)
	s := &restsyncServer{
		dataDir:  dataDir,
		address:  fmt.Sprintf("127.0.0.1:%d", port),
		upstream: upstreamURL,
		logFile:  filepath.Join(dataDir, logName),
	}

	cmd := exec.Command(restsyncBin)
	cmd.Env = append(os.Environ(), s.env()...)
	cmd.Env = append(cmd.Env, fmt.Sprintf("RESTSYNC_PORT=%d", port))

	lf, err := os.Create(s.logFile)
	if err != nil {
		t.Fatalf("create log file: %v", err)
	}
	cmd.Stdout = lf
	cmd.Stderr = lf

	if err := cmd.Start(); err != nil {
		lf.Close()
		t.Fatalf("start restsync: %v", err)
	}
	s.cmd = cmd

	t.Cleanup(func() {
		s.stop()
		lf.Close()
	})

	if err := s.waitHealthy(10 * time.Second); err != nil {
		t.Fatalf("restsync not healthy: %v", err)
	}
	return s
}

func (s *restsyncServer) env() []string {
	return []string{
		"RESTSYNC_DB_PATH=" + filepath.Join(s.dataDir, "restsync.db"),
		"RESTSYNC_API_KEY=" + e2eAPIKey,
		"RESTSYNC_BASE_URL=" + s.upstream,
		"RESTSYNC_CONFIG_PATH=" + filepath.Join(s.dataDir, "nonexistent.yaml"), // skip YAML file
		"RESTSYNC_QUEUE_INTERVAL=1h",
		"RESTSYNC_LOG_LEVEL=debug",
	}
}

func (s *restsyncServer) stop() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(os.Interrupt)
		_ = s.cmd.Wait()
		s.cmd = nil
	}
}

// restartOnSameData stops the server and starts a new one on the same
// database.
func (s *restsyncServer) restartOnSameData(t *testing.T) *restsyncServer {
	t.Helper()
	s.stop()
	time.Sleep(200 * time.Millisecond) // allow port release
	return launch(t, s.dataDir, s.upstream, "restsync-restart.log")
}

func (s *restsyncServer) baseURL() string {
	return "http://" + s.address
}

func (s *restsyncServer) waitHealthy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	url := s.baseURL() + "/api/v1/health"

	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("restsync not healthy after %s", timeout)
}

type proxyResponse struct {
	status int
	source string
	body   []byte
}

// do sends an authenticated request through the proxy or the admin API.
func (s *restsyncServer) do(t *testing.T, method, path, body string) proxyResponse {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, s.baseURL()+path, r)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+e2eAPIKey)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return proxyResponse{
		status: resp.StatusCode,
		source: resp.Header.Get("X-Restsync-Source"),
		body:   data,
	}
}

// cli runs a one-shot restsync subcommand against the server's database.
func (s *restsyncServer) cli(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := exec.Command(restsyncBin, args...)
	cmd.Env = append(os.Environ(), s.env()...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// storeDB opens the server's sqlite database for direct inspection.
func (s *restsyncServer) storeDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(s.dataDir, "restsync.db"))
	if err != nil {
		t.Fatalf("open store DB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func recordCount(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM records WHERE key LIKE 'sync-record-%'`).Scan(&n); err != nil {
		t.Fatalf("count records: %v", err)
	}
	return n
}

// freePort returns a free TCP port.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// eventually polls cond until it holds or timeout elapses.
func eventually(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
