// Package scanner walks a directory tree and collects statement files
// for import. The first directory level under the root names the target
// journal, so a tree like inbox/checking/2024-01.940 imports into the
// "checking" journal.
package scanner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// statementExtensions are the file types the import chain understands.
var statementExtensions = map[string]bool{
	".940":   true,
	".sta":   true,
	".mt940": true,
	".xml":   true,
	".ofx":   true,
	".qfx":   true,
	".qif":   true,
	".csv":   true,
	".xls":   true,
	".zip":   true,
}

// Scanner finds statement files under a root directory.
type Scanner struct {
	rootDir string
}

// New creates a scanner for the given root directory.
func New(rootDir string) *Scanner {
	return &Scanner{rootDir: rootDir}
}

// Found is one discovered statement file.
type Found struct {
	Path string
	// JournalHint is the first directory level under the root, or ""
	// for files directly in the root.
	JournalHint string
}

// Scan walks the tree and returns every statement file, in walk order.
func (s *Scanner) Scan() ([]Found, error) {
	rootDir := s.expandHome(s.rootDir)

	var results []Found
	err := filepath.Walk(rootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if strings.HasPrefix(info.Name(), ".") && path != rootDir {
				return filepath.SkipDir
			}
			return nil
		}
		if !IsStatementFile(path) {
			return nil
		}
		results = append(results, Found{
			Path:        path,
			JournalHint: s.journalHint(path, rootDir),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", s.rootDir, err)
	}
	return results, nil
}

// IsStatementFile reports whether the path has a known statement
// extension.
func IsStatementFile(path string) bool {
	return statementExtensions[strings.ToLower(filepath.Ext(path))]
}

func (s *Scanner) journalHint(filePath, rootDir string) string {
	relPath, err := filepath.Rel(rootDir, filePath)
	if err != nil {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(relPath), "/")
	if len(parts) >= 2 {
		return parts[0]
	}
	return ""
}

func (s *Scanner) expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
