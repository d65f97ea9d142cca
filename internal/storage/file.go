package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"pewflow/internal/task/instance"
	logx "pewflow/pkg/logx"
)

const compactEvery = 1000

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File

	state  fileState
	writes int
}

type fileState struct {
	Watermarks map[string]int64             `json:"watermarks"` // unix nano
	Instances  map[string]instance.Instance `json:"instances"`  // by Key.String()
}

type journalRecord struct {
	Watermark *watermarkRecord   `json:"watermark,omitempty"`
	Instance  *instance.Instance `json:"instance,omitempty"`
}

type watermarkRecord struct {
	WorkflowID string `json:"workflow_id"`
	At         int64  `json:"at"`
}

func newFileState() fileState {
	return fileState{Watermarks: map[string]int64{}, Instances: map[string]instance.Instance{}}
}

func (st *fileState) apply(r journalRecord) {
	if w := r.Watermark; w != nil && w.WorkflowID != "" {
		st.Watermarks[w.WorkflowID] = w.At
	}
	if inst := r.Instance; inst != nil && inst.Key.WorkflowID != "" {
		st.Instances[inst.Key.String()] = *inst
	}
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	state := newFileState()
	if err := loadSnapshot(snapPath, &state); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("storage snapshot unreadable", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, &state); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("storage journal unreadable", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journalFile:  jf,
		state:        state,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}

func (s *fileStore) PutWatermark(ctx context.Context, workflowID string, at time.Time) error {
	_ = ctx
	workflowID = strings.TrimSpace(workflowID)
	if workflowID == "" {
		return nil
	}
	return s.append(journalRecord{Watermark: &watermarkRecord{WorkflowID: workflowID, At: unixNano(at)}})
}

func (s *fileStore) Watermark(ctx context.Context, workflowID string) (time.Time, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.state.Watermarks[workflowID]
	if !ok || n == 0 {
		return time.Time{}, false, nil
	}
	return fromUnixNano(n), true, nil
}

func (s *fileStore) PutInstance(ctx context.Context, inst instance.Instance) error {
	_ = ctx
	inst = inst.Clone()
	return s.append(journalRecord{Instance: &inst})
}

func (s *fileStore) Instances(ctx context.Context, workflowID string) ([]instance.Instance, error) {
	_ = ctx
	s.mu.Lock()
	out := make([]instance.Instance, 0)
	for _, inst := range s.state.Instances {
		if inst.Key.WorkflowID == workflowID {
			out = append(out, inst.Clone())
		}
	}
	s.mu.Unlock()
	sortInstances(out)
	return out, nil
}

func (s *fileStore) append(r journalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("storage journal closed")
	}
	s.state.apply(r)

	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("storage compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var st fileState
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return err
	}
	for k, v := range st.Watermarks {
		out.Watermarks[k] = v
	}
	for k, v := range st.Instances {
		out.Instances[k] = v
	}
	return nil
}

func replayJournal(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	// Instance records carry captured lines and can exceed the default token size.
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		out.apply(r)
	}
	return sc.Err()
}
