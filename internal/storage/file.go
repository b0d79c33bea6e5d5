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

	logx "reviewguard/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl       (append-only JSON Lines)
//   - <prefix>.kv.snapshot.json  (periodic snapshot)
//   - <prefix>.kv.journal.jsonl  (append-only journal)
//
// The journal is compacted into the snapshot every compactEvery writes and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	snapshotPath string
	journalFile  *os.File
	kv           map[string][]byte

	writes       int
	compactEvery int
}

type kvRecord struct {
	Key     string `json:"k"`
	Val     []byte `json:"v,omitempty"`
	Deleted bool   `json:"d,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	snapPath := prefix + ".kv.snapshot.json"
	journalPath := prefix + ".kv.journal.jsonl"

	kv := map[string][]byte{}
	if err := loadSnapshot(snapPath, kv); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("kv snapshot unreadable; starting empty", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, kv); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("kv journal replay failed", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	return &fileStore{
		log:          log,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
		kv:           kv,
		compactEvery: 200,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journalFile != nil {
		if err := s.compactLocked(); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, s.journalFile.Close())
		s.journalFile = nil
	}
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil, false, ErrClosed
	}
	v, ok := s.kv[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *fileStore) Put(ctx context.Context, key string, val []byte) error {
	return s.write(kvRecord{Key: key, Val: append([]byte(nil), val...)})
}

func (s *fileStore) Delete(ctx context.Context, key string) error {
	return s.write(kvRecord{Key: key, Deleted: true})
}

func (s *fileStore) write(r kvRecord) error {
	if strings.TrimSpace(r.Key) == "" {
		return errors.New("empty key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	if r.Deleted {
		delete(s.kv, r.Key)
	} else {
		s.kv[r.Key] = r.Val
	}

	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("kv compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.kv); err != nil {
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

func loadSnapshot(path string, out map[string][]byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string][]byte
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string][]byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var r kvRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			// torn tail write; skip
			continue
		}
		if r.Deleted {
			delete(out, r.Key)
		} else {
			out[r.Key] = r.Val
		}
	}
	return sc.Err()
}
