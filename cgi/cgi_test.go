package cgi

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o755))
	return path
}

func TestRunCGIBasicOutput(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "hello.sh", "#!/bin/sh\nprintf 'Content-Type: text/plain\\r\\n\\r\\nhello cgi'\n")

	req := &Request{
		Method:       "GET",
		Path:         "/hello.sh",
		Version:      "HTTP/1.1",
		Headers:      map[string]string{},
		ScriptPath:   script,
		Interpreter:  "/bin/sh",
		DocumentRoot: dir,
		ServerName:   "localhost",
	}

	resp, err := Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "text/plain", resp.Headers["Content-Type"])
	assert.Equal(t, "hello cgi", string(resp.Body))
}

func TestRunCGIHonorsStatusLine(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "notfound.sh", "#!/bin/sh\nprintf 'HTTP/1.1 404 Not Found\\r\\n\\r\\nmissing'\n")

	req := &Request{
		Method: "GET", Path: "/notfound.sh", Version: "HTTP/1.1",
		Headers: map[string]string{}, ScriptPath: script, Interpreter: "/bin/sh",
	}

	resp, err := Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 404, resp.Status)
	assert.Equal(t, "missing", string(resp.Body))
}

func TestRunCGISetCookieAccumulates(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "cookie.sh",
		"#!/bin/sh\nprintf 'Set-Cookie: a=1\\r\\nSet-Cookie: b=2\\r\\n\\r\\nbody'\n")

	req := &Request{
		Method: "GET", Path: "/cookie.sh", Version: "HTTP/1.1",
		Headers: map[string]string{}, ScriptPath: script, Interpreter: "/bin/sh",
	}

	resp, err := Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"a=1", "b=2"}, resp.SetCookies)
}

func TestRunCGIFeedsStdinBody(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "echo.sh", "#!/bin/sh\nprintf 'Content-Type: text/plain\\r\\n\\r\\n'; cat\n")

	req := &Request{
		Method: "POST", Path: "/echo.sh", Version: "HTTP/1.1",
		Headers: map[string]string{}, Body: []byte("ping"),
		ScriptPath: script, Interpreter: "/bin/sh",
	}

	resp, err := Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(resp.Body))
}

func TestRunCGITimeout(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "loop.sh", "#!/bin/sh\nsleep 10\n")

	req := &Request{
		Method: "GET", Path: "/loop.sh", Version: "HTTP/1.1",
		Headers: map[string]string{}, ScriptPath: script, Interpreter: "/bin/sh",
	}

	_, err := Run(context.Background(), req)
	require.Error(t, err)

	cgiErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, 504, cgiErr.Status)
}

func TestRunCGIExecFailureIs500(t *testing.T) {
	req := &Request{
		Method: "GET", Path: "/missing.sh", Version: "HTTP/1.1",
		Headers: map[string]string{}, ScriptPath: "/no/such/script.sh", Interpreter: "/bin/sh",
	}

	_, err := Run(context.Background(), req)
	require.Error(t, err)
	cgiErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, 500, cgiErr.Status)
}

func TestBuildEnvIncludesRequestMetadata(t *testing.T) {
	req := &Request{
		Method: "GET", Path: "/s.cgi", RawQuery: "a=1", Version: "HTTP/1.1",
		Headers:      map[string]string{"host": "example.com", "x-custom": "v"},
		ScriptPath:   "/var/www/s.cgi",
		DocumentRoot: "/var/www",
		ServerName:   "example.com",
		ServerPort:   8080,
		RemoteAddr:   "10.0.0.1",
	}

	env := buildEnv(req)

	assertContains := func(kv string) {
		for _, e := range env {
			if e == kv {
				return
			}
		}
		t.Fatalf("missing env entry %q in %v", kv, env)
	}

	assertContains("REQUEST_METHOD=GET")
	assertContains("QUERY_STRING=a=1")
	assertContains("PATH_INFO=/s.cgi")
	assertContains("SCRIPT_FILENAME=/var/www/s.cgi")
	assertContains("SERVER_NAME=example.com")
	assertContains("SERVER_PORT=8080")
	assertContains("REMOTE_ADDR=10.0.0.1")
	assertContains("HTTP_HOST=example.com")
	assertContains("HTTP_X_CUSTOM=v")
	assertContains("GATEWAY_INTERFACE=CGI/1.1")
}

func TestCommandLineWithoutInterpreterExecsScriptDirectly(t *testing.T) {
	req := &Request{ScriptPath: "/var/www/run.cgi"}
	name, args := commandLine(req)
	assert.Equal(t, "/var/www/run.cgi", name)
	assert.Empty(t, args)
}

func TestCommandLineWithInterpreter(t *testing.T) {
	req := &Request{ScriptPath: "/var/www/run.py", Interpreter: "/usr/bin/python3"}
	name, args := commandLine(req)
	assert.Equal(t, "/usr/bin/python3", name)
	assert.Equal(t, []string{"/var/www/run.py"}, args)
}
