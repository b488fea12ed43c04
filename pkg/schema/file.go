package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/klog/v2"
)

// FileRegistry 把每个 schema 保存为 basePath 下的一个 JSON 文件，文件名由 URI 转义得到。
// 事件类型到 URI 的索引在打开时从目录加载，之后只由 Register 维护，
// 因此同一目录只应由一个 FileRegistry 写入。
type FileRegistry struct {
	basePath string

	mu     sync.RWMutex
	byType map[string]string
}

var _ Registry = &FileRegistry{}

func NewFileRegistry(basePath string) (*FileRegistry, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base path for schema registry: %w", err)
	}
	fr := &FileRegistry{basePath: basePath, byType: map[string]string{}}
	if err := fr.loadIndex(); err != nil {
		return nil, err
	}
	return fr, nil
}

// loadIndex 扫描目录建立类型索引，无法解析的文件被跳过
func (fr *FileRegistry) loadIndex() error {
	entries, err := os.ReadDir(fr.basePath)
	if err != nil {
		return fmt.Errorf("failed to read directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(fr.basePath, entry.Name())
		s, err := fr.read(path)
		if err != nil {
			klog.Warningf("Skipping unreadable schema file %s: %v", path, err)
			continue
		}
		if s.Type == "" {
			continue
		}
		if other, ok := fr.byType[s.Type]; ok {
			klog.Warningf("Schemas %s and %s both describe event type %s, keeping the first", other, s.URI, s.Type)
			continue
		}
		fr.byType[s.Type] = s.URI
	}
	klog.V(2).Infof("Loaded %d typed schemas from %s", len(fr.byType), fr.basePath)
	return nil
}

func (fr *FileRegistry) pathFor(uri string) string {
	return filepath.Join(fr.basePath, url.PathEscape(uri)+".json")
}

func (fr *FileRegistry) Get(_ context.Context, uri string) (*Schema, error) {
	s, err := fr.read(fr.pathFor(uri))
	if errors.Is(err, os.ErrNotExist) {
		return nil, newNotFound(uri)
	}
	return s, err
}

func (fr *FileRegistry) Lookup(ctx context.Context, eventType string) (*Schema, error) {
	fr.mu.RLock()
	uri, ok := fr.byType[eventType]
	fr.mu.RUnlock()
	if !ok {
		return nil, newNotFound(eventType)
	}
	s, err := fr.Get(ctx, uri)
	if apierrors.IsNotFound(err) {
		// 文件在注册之后被外部删除
		return nil, newNotFound(eventType)
	}
	return s, err
}

// Register 先写临时文件再硬链接到最终路径，读者不会看到写了一半的文件。
// 类型检查和写入在同一把锁内完成，同一类型的并发注册只有一个会成功。
func (fr *FileRegistry) Register(_ context.Context, s *Schema) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if s.Type != "" {
		if _, ok := fr.byType[s.Type]; ok {
			return newAlreadyExists(s.Type)
		}
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}
	tmp, err := os.CreateTemp(fr.basePath, ".schema-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create schema file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write schema file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write schema file: %w", err)
	}

	if err := os.Link(tmp.Name(), fr.pathFor(s.URI)); err != nil {
		if errors.Is(err, os.ErrExist) {
			return newAlreadyExists(s.URI)
		}
		return fmt.Errorf("failed to store schema file: %w", err)
	}
	if s.Type != "" {
		fr.byType[s.Type] = s.URI
	}
	return nil
}

func (fr *FileRegistry) read(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s := &Schema{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schema file %s: %w", path, err)
	}
	return s, nil
}
