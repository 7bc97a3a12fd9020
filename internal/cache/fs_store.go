package cache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const entrySuffix = ".entry"

// NewFileRegistry 以 basePath 为根目录构建磁盘缓存，每个 store 对应一个子目录。
func NewFileRegistry(basePath string) (Registry, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileRegistry{basePath: abs}, nil
}

// fileRegistry 的磁盘布局：
//
//	<StoragePath>/<store>/<sha1(key)>.entry
//
// 每个 .entry 文件首行是 JSON 元数据（key/status/header/captured_at），其后是原始正文。
type fileRegistry struct {
	basePath string
}

type fileStore struct {
	name string
	dir  string
}

type entryMeta struct {
	Key        Key         `json:"key"`
	Status     int         `json:"status"`
	Header     http.Header `json:"header"`
	CapturedAt time.Time   `json:"captured_at"`
	SizeBytes  int         `json:"size_bytes"`
}

func (r *fileRegistry) storeDir(name string) (string, error) {
	if err := validateStoreName(name); err != nil {
		return "", err
	}
	dir := filepath.Join(r.basePath, name)
	if !strings.HasPrefix(dir, r.basePath+string(filepath.Separator)) {
		return "", ErrInvalidStoreName
	}
	return dir, nil
}

func (r *fileRegistry) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := r.storeDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store %s: %w", name, err)
	}
	return &fileStore{name: name, dir: dir}, nil
}

func (r *fileRegistry) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := r.storeDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (r *fileRegistry) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (r *fileRegistry) Delete(ctx context.Context, name string) (bool, error) {
	exists, err := r.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	dir, _ := r.storeDir(name)
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("delete store %s: %w", name, err)
	}
	return true, nil
}

func (r *fileRegistry) Close() error {
	return nil
}

func (s *fileStore) Name() string {
	return s.name
}

func (s *fileStore) Get(ctx context.Context, key Key) (*Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	f, err := os.Open(s.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()

	meta, body, err := decodeEntry(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	if meta.Key != key {
		// sha1 碰撞或文件被外部篡改时按未命中处理。
		return nil, ErrNotFound
	}
	return &Entry{
		Key:        meta.Key,
		Status:     meta.Status,
		Header:     meta.Header,
		Body:       body,
		CapturedAt: meta.CapturedAt,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, entry *Entry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}

	captured := entry.CapturedAt
	if captured.IsZero() {
		captured = time.Now().UTC()
	}
	meta := entryMeta{
		Key:        entry.Key,
		Status:     entry.Status,
		Header:     entry.Header,
		CapturedAt: captured.UTC(),
		SizeBytes:  len(entry.Body),
	}
	header, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(s.dir, ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = io.Copy(tempFile, io.MultiReader(bytes.NewReader(header), strings.NewReader("\n"), bytes.NewReader(entry.Body)))
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, s.entryPath(entry.Key)); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (s *fileStore) Delete(ctx context.Context, key Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := os.Remove(s.entryPath(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *fileStore) Keys(ctx context.Context) ([]Key, error) {
	files, err := s.entryFiles(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]Key, 0, len(files))
	for _, file := range files {
		meta, err := readMeta(file)
		if err != nil {
			continue
		}
		keys = append(keys, meta.Key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}

func (s *fileStore) Len(ctx context.Context) (int, error) {
	files, err := s.entryFiles(ctx)
	if err != nil {
		return 0, err
	}
	return len(files), nil
}

func (s *fileStore) entryFiles(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), entrySuffix) {
			continue
		}
		files = append(files, filepath.Join(s.dir, entry.Name()))
	}
	return files, nil
}

func (s *fileStore) entryPath(key Key) string {
	sum := sha1.Sum([]byte(key))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])+entrySuffix)
}

func readMeta(path string) (entryMeta, error) {
	f, err := os.Open(path)
	if err != nil {
		return entryMeta{}, err
	}
	defer f.Close()
	line, err := bufio.NewReader(f).ReadBytes('\n')
	if err != nil {
		return entryMeta{}, err
	}
	var meta entryMeta
	if err := json.Unmarshal(line, &meta); err != nil {
		return entryMeta{}, err
	}
	return meta, nil
}

func decodeEntry(r io.Reader) (entryMeta, []byte, error) {
	reader := bufio.NewReader(r)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return entryMeta{}, nil, err
	}
	var meta entryMeta
	if err := json.Unmarshal(line, &meta); err != nil {
		return entryMeta{}, nil, err
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return entryMeta{}, nil, err
	}
	if len(body) != meta.SizeBytes {
		return entryMeta{}, nil, io.ErrUnexpectedEOF
	}
	if meta.Header == nil {
		meta.Header = http.Header{}
	}
	return meta, body, nil
}
