package util

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

var unsafeFilenameRe = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
var multiSpaceRe = regexp.MustCompile(`\s+`)

// SanitizeFilename maps a client supplied name onto something safe to
// create inside the public directory. Leading dots are stripped so a client
// can never produce a hidden file. Returns "" when nothing usable is left.
func SanitizeFilename(filename string, maxLen int) string {
	s := unsafeFilenameRe.ReplaceAllString(filename, "_")
	s = multiSpaceRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, ". ")
	if maxLen > 0 && len(s) > maxLen {
		ext := filepath.Ext(s)
		if len(ext) >= maxLen {
			ext = ""
		}
		cut := maxLen - len(ext)
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = strings.TrimSpace(s[:cut]) + ext
	}
	return s
}

// ClearDir removes everything inside dir, creating it if it is missing.
func ClearDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, os.MkdirAll(dir, 0o755)
	}
	removed := 0
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// RemoveStale deletes files in dir whose name matches pattern and whose
// modification time is older than maxAge.
func RemoveStale(dir, pattern string, maxAge time.Duration) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var removed []string
	for _, p := range matches {
		info, err := os.Stat(p)
		if err != nil || now.Sub(info.ModTime()) < maxAge {
			continue
		}
		if err := os.RemoveAll(p); err == nil {
			removed = append(removed, filepath.Base(p))
		}
	}
	return removed, nil
}

func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
