// Package storage — файловое хранилище case-директорий.
//
// Файловая система естественно партиционирована по case_path,
// дополнительной блокировки не требуется.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Ошибки хранилища.
var (
	// ErrInvalidPath — путь выходит за пределы хранилища.
	ErrInvalidPath = errors.New("invalid path")

	// ErrCaseNotFound — директория case не существует.
	ErrCaseNotFound = errors.New("case not found")
)

// CaseStore — хранилище case-директорий под одним корнем.
type CaseStore struct {
	root string
}

// NewCaseStore создаёт хранилище с корнем root (директория создаётся).
func NewCaseStore(root string) (*CaseStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create root: %w", err)
	}
	return &CaseStore{root: abs}, nil
}

// Root возвращает корень хранилища.
func (s *CaseStore) Root() string {
	return s.root
}

// CaseDir возвращает абсолютный путь директории case.
// Путь валидируется: выход за пределы корня запрещён.
func (s *CaseStore) CaseDir(casePath string) (string, error) {
	return s.resolve(casePath)
}

// EnsureCaseDir возвращает путь директории case, создавая её при необходимости.
func (s *CaseStore) EnsureCaseDir(casePath string) (string, error) {
	dir, err := s.resolve(casePath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create case dir: %w", err)
	}
	return dir, nil
}

// CaseExists проверяет, что директория case существует.
func (s *CaseStore) CaseExists(casePath string) bool {
	dir, err := s.resolve(casePath)
	if err != nil {
		return false
	}
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// Upload сохраняет файл внутри директории case.
func (s *CaseStore) Upload(casePath, relativePath string, data []byte) error {
	dir, err := s.EnsureCaseDir(casePath)
	if err != nil {
		return err
	}

	target := filepath.Join(dir, filepath.Clean(relativePath))
	if !strings.HasPrefix(target, dir+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s escapes case dir", ErrInvalidPath, relativePath)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent dirs: %w", err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// ResultsDir возвращает путь к директории результатов case.
// Возвращает ErrCaseNotFound, если case не существует.
func (s *CaseStore) ResultsDir(casePath string) (string, error) {
	dir, err := s.resolve(casePath)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("%w: %s", ErrCaseNotFound, casePath)
	}
	return filepath.Join(dir, "results"), nil
}

// resolve превращает case_path в абсолютный путь внутри корня.
func (s *CaseStore) resolve(casePath string) (string, error) {
	if casePath == "" {
		return "", fmt.Errorf("%w: empty case path", ErrInvalidPath)
	}

	cleaned := filepath.Clean(casePath)
	if filepath.IsAbs(cleaned) {
		// Абсолютный путь принимается только внутри корня.
		if cleaned != s.root && !strings.HasPrefix(cleaned, s.root+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: %s outside store root", ErrInvalidPath, casePath)
		}
		return cleaned, nil
	}

	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s escapes store root", ErrInvalidPath, casePath)
	}
	return filepath.Join(s.root, cleaned), nil
}
