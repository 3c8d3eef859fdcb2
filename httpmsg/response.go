package httpmsg

import (
	"bytes"
	"fmt"
	"os"
)

// Response is an HTTP response under construction: a status, a header map
// (single value per key), a separate ordered Set-Cookie list (because the
// map holds one value per key), and a body.
//
// A Response is a plain value built fully in memory before being handed
// to the connection manager's egress buffer; it never streams.
type Response struct {
	Version    string
	Status     int
	Headers    map[string]string
	SetCookies []string
	Body       []byte
}

// NewResponse returns a Response with the version defaulted to HTTP/1.0.
// Responses always advertise 1.0, implying connection close.
func NewResponse(status int) *Response {
	return &Response{
		Version: "HTTP/1.0",
		Status:  status,
		Headers: map[string]string{},
	}
}

// SetHeader sets a single-valued header.
func (r *Response) SetHeader(name, value string) {
	r.Headers[name] = value
}

// SetBody sets the body and its Content-Length header together, so callers
// never forget one.
func (r *Response) SetBody(body []byte) {
	r.Body = body
	r.SetHeader("Content-Length", fmt.Sprintf("%d", len(body)))
}

// reasonPhrases is the fixed status-reason table.
var reasonPhrases = map[int]string{
	301: "Moved Permanently",
	302: "Found",
	303: "See Other",
	307: "Temporary Redirect",
	308: "Permanent Redirect",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	408: "Request Timeout",
	413: "Payload Too Large",
	431: "Request Header Fields Too Large",
	500: "Internal Server Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
	504: "Gateway Timeout",
	200: "OK",
	201: "Created",
	204: "No Content",
	409: "Conflict",
}

// ReasonPhrase returns the fixed reason string for status, defaulting to
// "Error".
func ReasonPhrase(status int) string {
	if r, ok := reasonPhrases[status]; ok {
		return r
	}
	return "Error"
}

// Build serializes r into its wire form: status line, headers, Set-Cookie
// lines, a blank line, then the body.
func (r *Response) Build() []byte {
	buf := &bytes.Buffer{}

	version := r.Version
	if version == "" {
		version = "HTTP/1.0"
	}

	fmt.Fprintf(buf, "%s %d %s\r\n", version, r.Status, ReasonPhrase(r.Status))

	for k, v := range r.Headers {
		fmt.Fprintf(buf, "%s: %s\r\n", k, v)
	}

	for _, v := range r.SetCookies {
		fmt.Fprintf(buf, "Set-Cookie: %s\r\n", v)
	}

	buf.WriteString("\r\n")
	buf.Write(r.Body)

	return buf.Bytes()
}

// defaultErrorBody is the built-in fallback error page, used when no error
// page is configured or the configured file cannot be read.
func defaultErrorBody(status int) []byte {
	return []byte(fmt.Sprintf(
		"<html><body><h1>Error %d</h1></body></html>", status,
	))
}

// WriteError fills r in as an error response for status, using pagePath if
// non-empty and readable, falling back to the built-in page otherwise.
func (r *Response) WriteError(status int, pagePath string) {
	r.Status = status

	if pagePath != "" {
		if b, err := os.ReadFile(pagePath); err == nil {
			r.SetHeader("Content-Type", "text/html")
			r.SetBody(b)
			return
		}
	}

	r.SetHeader("Content-Type", "text/html")
	r.SetBody(defaultErrorBody(status))
}

// WriteRedirect fills r in as a 3xx redirect to url.
func (r *Response) WriteRedirect(status int, url string) {
	r.Status = status
	r.SetHeader("Location", url)
	r.SetHeader("Content-Type", "text/html")
	r.SetBody([]byte(fmt.Sprintf(
		"<html><body>Moved to <a href=\"%s\">%s</a></body></html>",
		url, url,
	)))
}
