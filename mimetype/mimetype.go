// Package mimetype maps file extensions to MIME types, with a
// content-sniffing fallback for extensions absent from the table.
package mimetype

import (
	"strings"

	"github.com/aofei/mimesniffer"
)

// byExtension is the fixed extension->MIME-type table.
var byExtension = map[string]string{
	".html": "text/html",
	".htm":  "text/html",
	".css":  "text/css",
	".js":   "application/javascript",
	".json": "application/json",
	".txt":  "text/plain",
	".xml":  "application/xml",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".ico":  "image/x-icon",
	".pdf":  "application/pdf",
	".zip":  "application/zip",
	".woff": "font/woff",
	".woff2": "font/woff2",
}

// ByExtension returns the MIME type for ext (including its leading dot),
// or "" if unknown.
func ByExtension(ext string) string {
	return byExtension[strings.ToLower(ext)]
}

// Sniff returns a best-effort MIME type for content whose extension is not
// in the trivial table, by inspecting its leading bytes. Falls back to
// "application/octet-stream".
func Sniff(content []byte) string {
	if t := mimesniffer.Sniff(content); t != "" {
		return t
	}
	return "application/octet-stream"
}

// ForFile resolves the MIME type for a file by extension first, falling
// back to sniffing its content when the extension is unmapped.
func ForFile(ext string, content []byte) string {
	if t := ByExtension(ext); t != "" {
		return t
	}
	return Sniff(content)
}
