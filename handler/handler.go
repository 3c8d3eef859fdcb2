// Package handler implements the per-method request handlers: GET/HEAD,
// POST (upload or CGI dispatch), DELETE, redirect short-circuiting,
// autoindex rendering, and error-page resolution.
package handler

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aofei/pginx/cgi"
	"github.com/aofei/pginx/config"
	"github.com/aofei/pginx/filecache"
	"github.com/aofei/pginx/httpmsg"
	"github.com/aofei/pginx/mimetype"
)

// Context bundles everything a handler needs beyond the request itself:
// the matched Server/Location pair, the peer address (for CGI's
// REMOTE_ADDR and logging), and the local port the connection arrived on.
type Context struct {
	Server    *config.Server
	Location  *config.Location
	PeerAddr  string
	LocalPort int
	Cache     *filecache.Cache
}

// Handle dispatches req to the appropriate handler and returns the
// response to send. It never returns an error: every failure is turned
// into an error response via resp.WriteError.
func Handle(ctx context.Context, hctx *Context, req *httpmsg.Request) *httpmsg.Response {
	resp := httpmsg.NewResponse(200)

	if r := config.EffectiveReturn(hctx.Server, hctx.Location); r.HasRedirect() {
		resp.WriteRedirect(r.Code, r.URL)
		return resp
	}

	if !methodAllowed(hctx.Location, req.Method) {
		writeErrorPage(resp, hctx, 405)
		return resp
	}

	switch req.Method {
	case "GET", "HEAD":
		serveGet(ctx, hctx, req, resp, req.Method == "HEAD")
	case "POST":
		servePost(ctx, hctx, req, resp)
	case "DELETE":
		serveDelete(hctx, req, resp)
	default:
		writeErrorPage(resp, hctx, 405)
	}

	return resp
}

// methodAllowed checks method against the Location's allowed set. HEAD
// rides on GET: a location that allows GET also answers HEAD.
func methodAllowed(loc *config.Location, method string) bool {
	if loc == nil {
		return true
	}
	if loc.Methods[method] {
		return true
	}
	return method == "HEAD" && loc.Methods["GET"]
}

// resolvedPath is the effective root plus the request path with its
// leading slash stripped. Plain concatenation, no cleaning: ".." segments
// stay visible so POST/DELETE can reject them.
func resolvedPath(hctx *Context, reqPath string) string {
	root := config.EffectiveRoot(hctx.Server, hctx.Location)
	if root == "" || root[len(root)-1] != '/' {
		root += "/"
	}
	return root + strings.TrimPrefix(reqPath, "/")
}

func serveGet(ctx context.Context, hctx *Context, req *httpmsg.Request, resp *httpmsg.Response, headOnly bool) {
	fsPath := resolvedPath(hctx, req.Path)

	fi, err := os.Stat(fsPath)
	if err != nil {
		writeErrorPage(resp, hctx, 404)
		return
	}

	if fi.IsDir() {
		serveDirectory(hctx, req, resp, fsPath, headOnly)
		return
	}

	if config.EffectiveCGIEnabled(hctx.Server, hctx.Location) {
		if fi.Mode()&0o100 == 0 {
			writeErrorPage(resp, hctx, 403)
			return
		}
		ext := filepath.Ext(req.Path)
		interp, _ := config.EffectiveCGIPass(hctx.Server, hctx.Location, ext)
		runCGI(ctx, hctx, req, resp, interp)
		return
	}

	serveFile(hctx, resp, fsPath, headOnly)
}

func serveDirectory(hctx *Context, req *httpmsg.Request, resp *httpmsg.Response, dirPath string, headOnly bool) {
	for _, idx := range config.EffectiveIndexFiles(hctx.Server, hctx.Location) {
		idxPath := filepath.Join(dirPath, idx)
		if fi, err := os.Stat(idxPath); err == nil && !fi.IsDir() {
			serveFile(hctx, resp, idxPath, headOnly)
			return
		}
	}

	if config.EffectiveAutoIndex(hctx.Location) {
		body := renderAutoIndex(dirPath, req.Path)
		resp.SetHeader("Content-Type", "text/html")
		if headOnly {
			resp.SetHeader("Content-Length", strconv.Itoa(len(body)))
		} else {
			resp.SetBody(body)
		}
		return
	}

	writeErrorPage(resp, hctx, 404)
}

func serveFile(hctx *Context, resp *httpmsg.Response, fsPath string, headOnly bool) {
	var content []byte
	var err error

	if hctx.Cache != nil {
		content, _, err = hctx.Cache.Get(fsPath)
	} else {
		content, err = os.ReadFile(fsPath)
	}
	if err != nil {
		writeErrorPage(resp, hctx, 404)
		return
	}

	ct := mimetype.ForFile(filepath.Ext(fsPath), content)
	resp.SetHeader("Content-Type", ct)

	if headOnly {
		resp.SetHeader("Content-Length", strconv.Itoa(len(content)))
		return
	}
	resp.SetBody(content)
}

// servePost dispatches to CGI when effectively enabled for this request,
// otherwise performs a file upload.
func servePost(ctx context.Context, hctx *Context, req *httpmsg.Request, resp *httpmsg.Response) {
	if config.EffectiveCGIEnabled(hctx.Server, hctx.Location) {
		ext := filepath.Ext(req.Path)
		interp, _ := config.EffectiveCGIPass(hctx.Server, hctx.Location, ext)
		runCGI(ctx, hctx, req, resp, interp)
		return
	}

	uploadAndRespond(hctx, req, resp)
}

// uploadAndRespond handles POST without CGI: pick the upload directory,
// derive the filename from the request path's final component (generating
// one if empty), refuse path traversal, and write the body, responding
// 201 (empty body) on create or 200 (a text/plain confirmation) on
// overwrite.
func uploadAndRespond(hctx *Context, req *httpmsg.Request, resp *httpmsg.Response) {
	if strings.Contains(req.Path, "..") {
		writeErrorPage(resp, hctx, 403)
		return
	}

	dir := config.EffectiveUploadDir(hctx.Server, hctx.Location)

	name := ""
	if !strings.HasSuffix(req.Path, "/") {
		name = filepath.Base(req.Path)
	}
	if name == "" || name == "." || name == "/" {
		name = fmt.Sprintf("upload_%d.txt", time.Now().Unix())
	}

	dest := filepath.Join(dir, name)
	if strings.Contains(dest, "..") {
		writeErrorPage(resp, hctx, 403)
		return
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		writeErrorPage(resp, hctx, 500)
		return
	}
	_, statErr := os.Stat(dest)
	fileExisted := statErr == nil

	if err := os.WriteFile(dest, req.Body, 0o644); err != nil {
		writeErrorPage(resp, hctx, 500)
		return
	}

	if fileExisted {
		resp.Status = 200
		resp.SetHeader("Content-Type", "text/plain")
		resp.SetBody([]byte("File updated successfully: " + name + "\n"))
		return
	}

	resp.Status = 201
}

// serveDelete rejects traversal or root-escape with 403, removes a
// directory (409 if non-empty) or unlinks a file, mapping permission
// errors to 403 and anything else to 500.
func serveDelete(hctx *Context, req *httpmsg.Request, resp *httpmsg.Response) {
	if strings.Contains(req.Path, "..") {
		writeErrorPage(resp, hctx, 403)
		return
	}

	root := config.EffectiveRoot(hctx.Server, hctx.Location)
	fsPath := resolvedPath(hctx, req.Path)

	absRoot, err := filepath.Abs(root)
	if err == nil {
		if absPath, err := filepath.Abs(fsPath); err != nil || !strings.HasPrefix(absPath, absRoot) {
			writeErrorPage(resp, hctx, 403)
			return
		}
	}

	fi, err := os.Stat(fsPath)
	if err != nil {
		writeErrorPage(resp, hctx, 404)
		return
	}

	if fi.IsDir() {
		if err := os.Remove(fsPath); err != nil {
			if os.IsNotExist(err) {
				writeErrorPage(resp, hctx, 404)
				return
			}
			if isNotEmpty(err) {
				resp.Status = 409
				resp.SetHeader("Content-Type", "text/plain")
				resp.SetBody([]byte("Cannot delete non-empty directory"))
				return
			}
			writeErrorPage(resp, hctx, mapRemoveErrStatus(err))
			return
		}
		resp.Status = 204
		return
	}

	if err := os.Remove(fsPath); err != nil {
		writeErrorPage(resp, hctx, mapRemoveErrStatus(err))
		return
	}

	resp.Status = 204
}

func isNotEmpty(err error) bool {
	return strings.Contains(err.Error(), "not empty") || strings.Contains(err.Error(), "ENOTEMPTY")
}

func mapRemoveErrStatus(err error) int {
	if os.IsPermission(err) {
		return 403
	}
	return 500
}

// stripPort returns the IPv4 part of a "host:port" peer address; CGI's
// REMOTE_ADDR carries the dotted quad only.
func stripPort(addr string) string {
	if idx := strings.LastIndexByte(addr, ':'); idx >= 0 {
		return addr[:idx]
	}
	return addr
}

// encodeQuery rebuilds a QUERY_STRING from the parsed query map, keys in
// sorted order so the output is deterministic.
func encodeQuery(q map[string]string) string {
	if len(q) == 0 {
		return ""
	}

	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(q[k]))
	}

	return b.String()
}

func runCGI(ctx context.Context, hctx *Context, req *httpmsg.Request, resp *httpmsg.Response, interpreter string) {
	scriptPath := resolvedPath(hctx, req.Path)
	root := config.EffectiveRoot(hctx.Server, hctx.Location)

	serverName := "localhost"
	if hctx.Server != nil {
		if host, ok := req.Header("host"); ok {
			serverName = hctx.Server.MatchServerName(strings.SplitN(host, ":", 2)[0])
		} else {
			serverName = hctx.Server.MatchServerName("")
		}
	}

	cgiReq := &cgi.Request{
		Method:       req.Method,
		Path:         req.Path,
		RawQuery:     encodeQuery(req.Query),
		Version:      req.Version,
		Headers:      req.Headers,
		Body:         req.Body,
		ScriptPath:   scriptPath,
		Interpreter:  interpreter,
		DocumentRoot: root,
		ServerName:   serverName,
		ServerPort:   hctx.LocalPort,
		RemoteAddr:   stripPort(hctx.PeerAddr),
	}

	out, err := cgi.Run(ctx, cgiReq)
	if err != nil {
		if ce, ok := err.(*cgi.Error); ok {
			writeErrorPage(resp, hctx, ce.Status)
			return
		}
		writeErrorPage(resp, hctx, 502)
		return
	}

	resp.Status = out.Status
	for k, v := range out.Headers {
		resp.SetHeader(k, v)
	}
	resp.SetCookies = out.SetCookies
	resp.SetBody(out.Body)
}

// writeErrorPage resolves a configured error page for status, walking
// Location -> Server, reads it relative to the effective root, and falls
// back to the built-in page.
func writeErrorPage(resp *httpmsg.Response, hctx *Context, status int) {
	page, ok := config.EffectiveErrorPage(hctx.Server, hctx.Location, status)
	if ok && page != "" {
		page = resolvedPath(hctx, page)
	}
	resp.WriteError(status, page)
}

// direntry is one row of an autoindex listing.
type direntry struct {
	name  string
	isDir bool
	size  int64
	mtime time.Time
}

// renderAutoIndex builds an HTML directory listing: dotfiles skipped,
// directories sorted before files, then case-insensitive name order;
// sizes humanized to two decimals in B/KB/MB/GB/TB.
func renderAutoIndex(dirPath, reqPath string) []byte {
	f, err := os.Open(dirPath)
	if err != nil {
		return []byte("<html><body><h1>Error reading directory</h1></body></html>")
	}
	defer f.Close()

	infos, err := f.Readdir(-1)
	if err != nil {
		return []byte("<html><body><h1>Error reading directory</h1></body></html>")
	}

	var entries []direntry
	for _, fi := range infos {
		if strings.HasPrefix(fi.Name(), ".") {
			continue
		}
		entries = append(entries, direntry{
			name:  fi.Name(),
			isDir: fi.IsDir(),
			size:  fi.Size(),
			mtime: fi.ModTime(),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].isDir != entries[j].isDir {
			return entries[i].isDir
		}
		return strings.ToLower(entries[i].name) < strings.ToLower(entries[j].name)
	})

	var b strings.Builder
	fmt.Fprintf(&b, "<!DOCTYPE html>\n<html>\n<head>\n<title>Index of %s</title>\n", reqPath)
	b.WriteString("<style>\nbody { font-family: monospace; margin: 20px; }\n" +
		"h1 { border-bottom: 1px solid #ccc; }\n" +
		"table { border-collapse: collapse; width: 100%; }\n" +
		"th { text-align: left; padding: 8px; border-bottom: 2px solid #ddd; }\n" +
		"td { padding: 8px; border-bottom: 1px solid #eee; }\n" +
		"a { text-decoration: none; color: #0066cc; }\n" +
		"a:hover { text-decoration: underline; }\n</style>\n</head>\n<body>\n")
	fmt.Fprintf(&b, "<h1>Index of %s</h1>\n<table>\n<tr><th>Name</th><th>Size</th><th>Date Modified</th></tr>\n", reqPath)

	if reqPath != "/" {
		b.WriteString("<tr><td><a href=\"../\">../</a></td><td>-</td><td>-</td></tr>\n")
	}

	base := reqPath
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}

	for _, e := range entries {
		display := e.name
		link := base + url.PathEscape(e.name)
		sizeStr := humanizeSize(e.size)
		if e.isDir {
			display += "/"
			link += "/"
			sizeStr = "-"
		}

		fmt.Fprintf(&b, "<tr><td><a href=\"%s\">%s</a></td><td>%s</td><td>%s</td></tr>\n",
			link, display, sizeStr, e.mtime.Format("02-Jan-2006 15:04"))
	}

	b.WriteString("</table>\n</body>\n</html>\n")

	return []byte(b.String())
}

var sizeSuffixes = [...]string{"B", "KB", "MB", "GB", "TB"}

// humanizeSize formats n bytes as "<value> <suffix>" with two decimals,
// scaling by 1024.
func humanizeSize(n int64) string {
	v := float64(n)
	i := 0
	for v >= 1024 && i < len(sizeSuffixes)-1 {
		v /= 1024
		i++
	}
	return fmt.Sprintf("%.2f %s", v, sizeSuffixes[i])
}
