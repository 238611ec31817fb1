package delta

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/arrowport/arrowport/pkg/errors"
)

const logDirName = "_delta_log"

// fieldDef is one column of a table's logical schema as recorded in the
// commit log.
type fieldDef struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// addFile records a data file added by a commit.
type addFile struct {
	Path             string            `json:"path"`
	PartitionValues  map[string]string `json:"partition_values,omitempty"`
	SizeBytes        int64             `json:"size_bytes"`
	ModificationTime int64             `json:"modification_time_ms"`
	NumRows          int64             `json:"num_rows"`
}

// removeFile records a data file removed by a commit. The file stays on
// disk until vacuumed so older versions remain readable.
type removeFile struct {
	Path              string `json:"path"`
	DeletionTimestamp int64  `json:"deletion_timestamp_ms"`
}

// commitRecord is the JSON payload of one version file in _delta_log.
type commitRecord struct {
	Version     int64        `json:"version"`
	TimestampMs int64        `json:"timestamp_ms"`
	Operation   string       `json:"operation"`
	Schema      []fieldDef   `json:"schema"`
	Add         []addFile    `json:"add,omitempty"`
	Remove      []removeFile `json:"remove,omitempty"`
}

// tableState is the reconstruction of a table from its commit log.
type tableState struct {
	version int64 // -1 when the table does not exist yet
	schema  []fieldDef
	live    map[string]addFile // live data files by path
	commits []commitRecord     // ascending by version
}

func (s *tableState) exists() bool { return s.version >= 0 }

func logDir(tableDir string) string {
	return filepath.Join(tableDir, logDirName)
}

func commitPath(tableDir string, version int64) string {
	return filepath.Join(logDir(tableDir), fmt.Sprintf("%020d.json", version))
}

// readState replays the commit log of the table directory.
func readState(tableDir string) (*tableState, error) {
	state := &tableState{version: -1, live: map[string]addFile{}}

	entries, err := os.ReadDir(logDir(tableDir))
	if err != nil {
		if os.IsNotExist(err) {
			return state, nil
		}
		return nil, errors.Wrap(err, errors.ErrorTypeBackend, "read commit log")
	}

	versions := make([]int64, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		v, err := strconv.ParseInt(name[:len(name)-len(".json")], 10, 64)
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })

	for _, v := range versions {
		rec, err := readCommit(tableDir, v)
		if err != nil {
			return nil, err
		}
		state.apply(rec)
	}
	return state, nil
}

func (s *tableState) apply(rec *commitRecord) {
	s.version = rec.Version
	s.schema = rec.Schema
	for _, rm := range rec.Remove {
		delete(s.live, rm.Path)
	}
	for _, add := range rec.Add {
		s.live[add.Path] = add
	}
	s.commits = append(s.commits, *rec)
}

// stateAt replays the log up to and including version.
func (s *tableState) stateAt(version int64) (*tableState, error) {
	if version < 0 || version > s.version {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "version %d does not exist", version)
	}
	at := &tableState{version: -1, live: map[string]addFile{}}
	for i := range s.commits {
		if s.commits[i].Version > version {
			break
		}
		at.apply(&s.commits[i])
	}
	return at, nil
}

func readCommit(tableDir string, version int64) (*commitRecord, error) {
	data, err := os.ReadFile(commitPath(tableDir, version))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBackend, "read commit file")
	}
	var rec commitRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBackend, "parse commit file")
	}
	return &rec, nil
}

// writeCommit attempts to create the next version file. Creation uses
// O_EXCL so exactly one writer wins a given version; losing writers see
// os.ErrExist and must re-read state and retry.
func writeCommit(tableDir string, rec *commitRecord) error {
	if err := os.MkdirAll(logDir(tableDir), 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeBackend, "create commit log dir")
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "encode commit")
	}

	f, err := os.OpenFile(commitPath(tableDir, rec.Version), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return err // raw ErrExist: commit conflict, caller retries
		}
		return errors.Wrap(err, errors.ErrorTypeBackend, "create commit file")
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return errors.Wrap(err, errors.ErrorTypeBackend, "write commit file")
	}
	return f.Sync()
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
