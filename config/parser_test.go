package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMinimalServer(t *testing.T) {
	c, err := Parse(`
server {
    listen 4269;
    location / {
        index index.html;
    }
}
`)
	require.NoError(t, err)
	require.Len(t, c.Servers, 1)

	srv := c.Servers[0]
	require.Len(t, srv.Listens, 1)
	assert.Equal(t, 4269, srv.Listens[0].Port)
	assert.Equal(t, "0.0.0.0", srv.Listens[0].Address)

	require.Len(t, srv.Locations, 1)
	assert.Equal(t, "/", srv.Locations[0].Path)
	assert.Equal(t, []string{"index.html"}, srv.Locations[0].IndexFiles)
}

func TestParseHTTPBlockWithMultipleServers(t *testing.T) {
	c, err := Parse(`
http {
    server { listen 80; }
    server { listen 81; }
}
`)
	require.NoError(t, err)
	assert.Len(t, c.Servers, 2)
}

func TestParseDefaultListenWhenNoneGiven(t *testing.T) {
	c, err := Parse(`server { }`)
	require.NoError(t, err)
	require.Len(t, c.Servers, 1)
	require.Len(t, c.Servers[0].Listens, 1)
	assert.Equal(t, 80, c.Servers[0].Listens[0].Port)
	assert.Equal(t, "0.0.0.0", c.Servers[0].Listens[0].Address)
}

func TestParseListenDeduplicates(t *testing.T) {
	c, err := Parse(`server { listen 4269; listen 4269; listen 0.0.0.0:4269; }`)
	require.NoError(t, err)
	assert.Len(t, c.Servers[0].Listens, 1)
}

func TestParseListenWithAddress(t *testing.T) {
	c, err := Parse(`server { listen 127.0.0.1:8080; }`)
	require.NoError(t, err)
	assert.Equal(t, ListenAddr{Port: 8080, Address: "127.0.0.1"}, c.Servers[0].Listens[0])
}

func TestParseListenRejectsBadAddress(t *testing.T) {
	_, err := Parse(`server { listen 999.1.1.1:80; }`)
	assert.Error(t, err)
}

func TestParseServerNameReplacesEmptyInitialSlot(t *testing.T) {
	c, err := Parse(`server { server_name a.example b.example; }`)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.example", "b.example"}, c.Servers[0].ServerNames)
}

func TestParseErrorPageMapsMultipleCodes(t *testing.T) {
	c, err := Parse(`server { error_page 404 500 /error.html; }`)
	require.NoError(t, err)
	errs := c.Servers[0].ErrorPages
	assert.Equal(t, "/error.html", errs[404])
	assert.Equal(t, "/error.html", errs[500])
}

func TestParseErrorPageRejectsOutOfRangeStatus(t *testing.T) {
	_, err := Parse(`server { error_page 299 /error.html; }`)
	assert.Error(t, err)

	_, err = Parse(`server { error_page 600 /error.html; }`)
	assert.Error(t, err)
}

func TestParseClientMaxBodySizeSuffixes(t *testing.T) {
	c, err := Parse(`server { client_max_body_size 2m; }`)
	require.NoError(t, err)
	assert.Equal(t, uint64(2<<20), c.Servers[0].ClientMaxBodySize)
}

func TestParseClientMaxBodySizeCaseInsensitiveSuffix(t *testing.T) {
	c, err := Parse(`server { client_max_body_size 3K; }`)
	require.NoError(t, err)
	assert.Equal(t, uint64(3<<10), c.Servers[0].ClientMaxBodySize)
}

func TestParseRootRequiresExistingDirWhenTrailingSlash(t *testing.T) {
	dir := t.TempDir()
	root := dir + "/"

	c, err := Parse(`server { root ` + root + `; }`)
	require.NoError(t, err)
	assert.Equal(t, root, c.Servers[0].Root)

	_, err = Parse(`server { root /no/such/dir/; }`)
	assert.Error(t, err)
}

func TestParseLocationModifiersAllAccepted(t *testing.T) {
	cases := []struct {
		directive string
		want      MatchType
	}{
		{"location = /exact { }", EXACT},
		{"location ~ /regex { }", REGEX_CASE},
		{"location ~* /iregex { }", REGEX_ICASE},
		{"location ^~ /priority { }", PRIORITY_PREFIX},
		{"location @named { }", NAMED},
		{"location /plain { }", PREFIX},
	}

	for _, tc := range cases {
		c, err := Parse("server { " + tc.directive + " }")
		require.NoError(t, err, tc.directive)
		require.Len(t, c.Servers[0].Locations, 1, tc.directive)
		assert.Equal(t, tc.want, c.Servers[0].Locations[0].MatchType, tc.directive)
	}
}

func TestParseCGIEnabledInheritance(t *testing.T) {
	c, err := Parse(`
server {
    cgi_enabled on;
    location /a { }
    location /b { cgi_enabled off; }
}
`)
	require.NoError(t, err)
	srv := c.Servers[0]

	enabled, set := srv.Locations[0].CGIEnabledRaw()
	assert.True(t, set)
	assert.True(t, enabled)

	enabled, set = srv.Locations[1].CGIEnabledRaw()
	assert.True(t, set)
	assert.False(t, enabled)
}

func TestParseCGIPassMapMerge(t *testing.T) {
	c, err := Parse(`
server {
    cgi_pass .py /usr/bin/python3;
    location /a {
        cgi_pass .sh /bin/sh;
    }
}
`)
	require.NoError(t, err)
	loc := c.Servers[0].Locations[0]

	assert.Equal(t, "/bin/sh", loc.CGIPassMap[".sh"])
	assert.Equal(t, "/usr/bin/python3", loc.CGIPassMap[".py"])
}

func TestParseCGIPassLocationWins(t *testing.T) {
	c, err := Parse(`
server {
    cgi_pass .py /usr/bin/python2;
    location /a {
        cgi_pass .py /usr/bin/python3;
    }
}
`)
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/python3", c.Servers[0].Locations[0].CGIPassMap[".py"])
}

func TestParseAllowMethodsRestrictsSet(t *testing.T) {
	c, err := Parse(`server { location /up { allow_methods POST; } }`)
	require.NoError(t, err)
	m := c.Servers[0].Locations[0].Methods
	assert.True(t, m["POST"])
	assert.False(t, m["GET"])
}

func TestParseReturnDirective(t *testing.T) {
	c, err := Parse(`server { location /old { return 301 /new; } }`)
	require.NoError(t, err)
	r := c.Servers[0].Locations[0].ReturnData
	require.NotNil(t, r)
	assert.Equal(t, 301, r.Code)
	assert.Equal(t, "/new", r.URL)
	assert.True(t, r.HasRedirect())
}

func TestParseReturnWithoutURLIsNotARedirect(t *testing.T) {
	c, err := Parse(`server { location /teapot { return 418; } }`)
	require.NoError(t, err)
	r := c.Servers[0].Locations[0].ReturnData
	require.NotNil(t, r)
	assert.False(t, r.HasRedirect())
}

func TestParseReturnRejectsNonRedirectCodeWithURL(t *testing.T) {
	_, err := Parse(`server { location /a { return 200 /somewhere; } }`)
	assert.Error(t, err)
}

func TestParseErrors(t *testing.T) {
	cases := []string{
		``,
		`server { listen 80 }`,
		`server { unknown_directive x; }`,
		`server {`,
		`foo { }`,
		`server { } }`,
		`server { client_max_body_size abc; }`,
		`server { allow_methods GET; }`,
	}

	for _, text := range cases {
		_, err := Parse(text)
		assert.Error(t, err, text)
	}
}

func TestParseUnknownDirectiveInLocation(t *testing.T) {
	_, err := Parse(`server { location / { listen 80; } }`)
	assert.Error(t, err)
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pginx.conf")
	require.NoError(t, os.WriteFile(path, []byte(`server { listen 4269; }`), 0o644))

	c, err := ParseFile(path)
	require.NoError(t, err)
	assert.Len(t, c.Servers, 1)
}

func TestParseFileMissing(t *testing.T) {
	_, err := ParseFile("/no/such/pginx.conf")
	assert.Error(t, err)
}

func TestParseSizeOverflowRejected(t *testing.T) {
	_, err := parseSize("99999999999999999999g")
	assert.Error(t, err)
}
