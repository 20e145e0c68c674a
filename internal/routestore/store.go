// Package routestore implements the shared on-disk route table: a JSON
// array of {hostname, port, pid} guarded by a directory-creation mutex so
// multiple independent processes can add/remove entries safely.
package routestore

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// Route is the in-memory representation of a registered route.
type Route struct {
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
	PID      int    `json:"pid"`
}

// ConflictError is returned by Add when a live route already claims the
// hostname under a different pid and force was not requested.
type ConflictError struct {
	Hostname    string
	ExistingPID int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("hostname %q is already in use by pid %d", e.Hostname, e.ExistingPID)
}

// Store manages the routes.json file at path, guarded by a directory-lock
// at lockDir for mutating operations.
type Store struct {
	path     string
	lockDir  string
	fileMode os.FileMode
}

// New creates a Store. fileMode controls the permission bits used when the
// route file is (re)written: callers in the shared system state directory
// should pass 0666 so other users can rewrite a root-created file; per-user
// directories should pass 0644.
func New(path, lockDir string, fileMode os.FileMode) *Store {
	return &Store{path: path, lockDir: lockDir, fileMode: fileMode}
}

// Load reads the route table without acquiring the lock — callers get a
// possibly-stale, but always schema-valid, view. It does not apply or
// persist liveness GC; use LoadAndGC for that.
func (s *Store) Load() ([]Route, error) {
	return s.loadRaw()
}

// LoadAndGC reads the route table and filters out any entry whose pid is
// no longer alive. The filtered result is NOT persisted — callers that
// want GC persisted must do so from inside a locked Add/Remove call.
func (s *Store) LoadAndGC() ([]Route, error) {
	routes, err := s.loadRaw()
	if err != nil {
		return nil, err
	}
	return filterLive(routes), nil
}

// loadRaw reads and validates the route file. A missing file is an empty
// list. A file that fails to parse as JSON, or that parses to something
// other than a JSON array, is treated as empty with a warning. Entries
// that fail schema validation are dropped individually with a warning.
func (s *Store) loadRaw() ([]Route, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		fmt.Fprintf(os.Stderr, "warning: routes file %s is not valid JSON, treating as empty: %v\n", s.path, err)
		return nil, nil
	}

	routes := make([]Route, 0, len(raw))
	for _, entry := range raw {
		var r Route
		if err := json.Unmarshal(entry, &r); err != nil {
			fmt.Fprintf(os.Stderr, "warning: dropping malformed route entry: %v\n", err)
			continue
		}
		if !validEntry(r) {
			fmt.Fprintf(os.Stderr, "warning: dropping route entry failing schema validation: %+v\n", r)
			continue
		}
		routes = append(routes, r)
	}
	return routes, nil
}

func validEntry(r Route) bool {
	return r.Hostname != "" && r.Port > 0 && r.Port <= 65535 && r.PID > 0
}

func filterLive(routes []Route) []Route {
	live := make([]Route, 0, len(routes))
	for _, r := range routes {
		if processAlive(r.PID) {
			live = append(live, r)
		}
	}
	return live
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	if err != nil {
		return false
	}
	return ok
}

// Add registers hostname -> {port, pid}, replacing any existing entry for
// that hostname. If a live entry already exists under a different pid and
// force is false, Add fails with a *ConflictError naming the incumbent pid
// and leaves the table untouched. Runs under the exclusive lock.
func (s *Store) Add(hostname string, port, pid int, force bool) error {
	lock, err := acquireLock(s.lockDir)
	if err != nil {
		return err
	}
	defer lock.release()

	routes := filterLive(mustLoadRawLocked(s))

	for i, r := range routes {
		if r.Hostname == hostname {
			if r.PID != pid && !force {
				return &ConflictError{Hostname: hostname, ExistingPID: r.PID}
			}
			routes[i] = Route{Hostname: hostname, Port: port, PID: pid}
			return s.persist(routes)
		}
	}

	routes = append(routes, Route{Hostname: hostname, Port: port, PID: pid})
	return s.persist(routes)
}

// Remove deletes any entry for hostname. Runs under the exclusive lock.
func (s *Store) Remove(hostname string) error {
	lock, err := acquireLock(s.lockDir)
	if err != nil {
		return err
	}
	defer lock.release()

	routes := filterLive(mustLoadRawLocked(s))
	filtered := make([]Route, 0, len(routes))
	for _, r := range routes {
		if r.Hostname != hostname {
			filtered = append(filtered, r)
		}
	}
	return s.persist(filtered)
}

// mustLoadRawLocked loads the route file from inside a held lock. Errors
// reading/parsing degrade to an empty table (per loadRaw's own policy) so
// that a corrupt file never wedges add/remove permanently.
func mustLoadRawLocked(s *Store) []Route {
	routes, err := s.loadRaw()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to read routes file, treating as empty: %v\n", err)
		return nil
	}
	return routes
}

// persist overwrites the route file atomically (write to a temp file in
// the same directory, then rename) and transfers ownership to the invoking
// user when running elevated.
func (s *Store) persist(routes []Route) error {
	if routes == nil {
		routes = []Route{}
	}
	data, err := json.MarshalIndent(routes, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dirOf(s.path), ".routes-*.json.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, s.fileMode); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return err
	}

	return chownBestEffort(s.path)
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
