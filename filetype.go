package server

import "path/filepath"

const defaultFileType = "text/plain"

var fileTypes = map[string]string{
	".html": "text/html",
	".css":  "text/css",
	".gif":  "image/gif",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".ico":  "image/ico",
	".js":   "application/js",
	".json": "application/json",
}

// FileType maps a filename to its Content-type by suffix.
func FileType(filename string) string {
	if t, ok := fileTypes[filepath.Ext(filename)]; ok {
		return t
	}
	return defaultFileType
}
