package storage

import (
	"mime"
	"path/filepath"
	"strings"
)

// Category is a coarse file type used by clients to pick an icon.
type Category string

const (
	CategoryDir        Category = "folder"
	CategoryImage      Category = "image"
	CategoryArchive    Category = "archive"
	CategoryVideo      Category = "video"
	CategoryMusic      Category = "music"
	CategoryCode       Category = "code"
	CategoryExecutable Category = "executable"
	CategoryPDF        Category = "pdf"
	CategoryFile       Category = "file"
)

var categories = map[string]Category{}

func init() {
	for cat, exts := range map[Category][]string{
		CategoryImage:      {"png", "bmp", "jpg", "jpeg", "gif", "tga", "dds", "heic", "webp", "tif", "tiff", "ico"},
		CategoryArchive:    {"zip", "rar", "tar", "7z", "gz", "xz", "z", "deb", "rpm"},
		CategoryVideo:      {"mkv", "webm", "flv", "avi", "mov", "wmv", "mp4", "m4v", "mpg", "mpeg"},
		CategoryMusic:      {"aac", "mp3", "m4a", "acc", "wav", "wma", "ogg", "flac", "aiff", "alac", "dsd", "mqa", "opus"},
		CategoryCode:       {"c", "cgi", "pl", "class", "cpp", "cs", "h", "java", "php", "html", "css", "py", "swift", "vb", "rs", "go"},
		CategoryExecutable: {"exe", "msi", "apk", "bat", "bin", "com", "jar", "ps1", "sh"},
		CategoryPDF:        {"pdf"},
	} {
		for _, ext := range exts {
			categories["."+ext] = cat
		}
	}
}

func CategoryOf(name string) Category {
	if c, ok := categories[strings.ToLower(filepath.Ext(name))]; ok {
		return c
	}
	return CategoryFile
}

// ContentType guesses a MIME type from the file extension. Empty means the
// caller should sniff.
func ContentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return ""
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	// fallbacks for systems with sparse mime tables
	switch ext {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	case ".mp3":
		return "audio/mpeg"
	case ".flac":
		return "audio/flac"
	case ".ogg":
		return "audio/ogg"
	case ".pdf":
		return "application/pdf"
	case ".txt", ".log", ".md", ".json", ".yaml", ".yml", ".toml", ".go", ".py", ".rs", ".c", ".h", ".sh":
		return "text/plain; charset=utf-8"
	case ".zip":
		return "application/zip"
	case ".gz":
		return "application/gzip"
	}
	return ""
}
