package filesystem

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LocatorScheme 本地附件定位符前缀
const LocatorScheme = "fs:"

var (
	// ErrInvalidLocator 定位符格式错误或越出存储目录
	ErrInvalidLocator = errors.New("invalid storage locator")
	// ErrContentNotFound 附件内容不存在
	ErrContentNotFound = errors.New("attachment content not found")
)

// Store 附件与原始邮件的文件系统存储
//
// 目录结构：
//
//	{base}/attachments/{accountID}/{YYYY-MM}/{uuid}_{filename}
//	{base}/raw/{accountID}/{YYYY-MM-DD}/{uuid}.eml
type Store struct {
	basePath string
	now      func() time.Time
}

// NewStore 创建文件系统存储实例
func NewStore(basePath string) (*Store, error) {
	if err := validateBasePath(basePath); err != nil {
		return nil, fmt.Errorf("invalid base path: %w", err)
	}

	normalized, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve base path: %w", err)
	}
	normalized = filepath.Clean(normalized)

	if err := os.MkdirAll(normalized, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &Store{basePath: normalized, now: time.Now}, nil
}

// BasePath 返回存储根目录
func (s *Store) BasePath() string {
	return s.basePath
}

// IsLocalLocator 判断定位符是否指向本存储
func IsLocalLocator(locator string) bool {
	return strings.HasPrefix(locator, LocatorScheme)
}

// SaveAttachment 保存附件内容，返回定位符与写入的字节数
func (s *Store) SaveAttachment(accountID, filename string, content io.Reader) (string, int64, error) {
	if err := validateSegment(accountID); err != nil {
		return "", 0, err
	}

	dir := filepath.Join(s.basePath, "attachments", accountID, s.now().UTC().Format("2006-01"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", 0, fmt.Errorf("failed to create attachment directory: %w", err)
	}

	name := uuid.NewString() + "_" + SanitizeFilename(filename)
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create attachment file: %w", err)
	}
	size, err := io.Copy(f, content)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", 0, fmt.Errorf("failed to write attachment: %w", err)
	}

	return s.locatorFor(path), size, nil
}

// OpenAttachment 打开定位符对应的附件内容
func (s *Store) OpenAttachment(locator string) (io.ReadCloser, int64, error) {
	path, err := s.resolve(locator)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrContentNotFound
		}
		return nil, 0, fmt.Errorf("failed to open attachment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to stat attachment: %w", err)
	}
	return f, info.Size(), nil
}

// SaveRaw 保存原始 RFC 5322 邮件，便于追溯导入来源
func (s *Store) SaveRaw(accountID string, raw []byte) (string, error) {
	if err := validateSegment(accountID); err != nil {
		return "", err
	}

	dir := filepath.Join(s.basePath, "raw", accountID, s.now().UTC().Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create raw directory: %w", err)
	}

	path := filepath.Join(dir, uuid.NewString()+".eml")
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return "", fmt.Errorf("failed to write raw message: %w", err)
	}
	return s.locatorFor(path), nil
}

// DeleteAccount 删除账户的全部附件与原始邮件
func (s *Store) DeleteAccount(accountID string) error {
	if err := validateSegment(accountID); err != nil {
		return err
	}
	for _, sub := range []string{"attachments", "raw"} {
		if err := os.RemoveAll(filepath.Join(s.basePath, sub, accountID)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) locatorFor(path string) string {
	rel, err := filepath.Rel(s.basePath, path)
	if err != nil {
		rel = path
	}
	return LocatorScheme + filepath.ToSlash(rel)
}

// resolve 把定位符还原为绝对路径，拒绝越出根目录的路径
func (s *Store) resolve(locator string) (string, error) {
	if !IsLocalLocator(locator) {
		return "", ErrInvalidLocator
	}
	rel := strings.TrimPrefix(locator, LocatorScheme)
	if rel == "" || strings.Contains(rel, "..") || filepath.IsAbs(rel) {
		return "", ErrInvalidLocator
	}

	path := filepath.Clean(filepath.Join(s.basePath, filepath.FromSlash(rel)))
	if !strings.HasPrefix(path, s.basePath+string(filepath.Separator)) {
		return "", ErrInvalidLocator
	}
	return path, nil
}

func validateBasePath(path string) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	if len(path) > 2000 {
		return fmt.Errorf("path too long: %d characters", len(path))
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("path traversal detected: %s", path)
	}
	return nil
}

func validateSegment(segment string) error {
	if segment == "" || segment != filepath.Base(segment) || strings.Contains(segment, "..") {
		return fmt.Errorf("%w: bad path segment %q", ErrInvalidLocator, segment)
	}
	return nil
}
