package config

import (
	"fmt"
	"os"
)

// MatchType is the kind of match a Location's path performs against a
// request path.
//
// The parser accepts all six modifiers; the dispatcher
// (Server.MatchLocation) treats every one of them as PREFIX.
type MatchType uint8

// Location match types.
const (
	PREFIX MatchType = iota
	EXACT
	REGEX_CASE
	REGEX_ICASE
	PRIORITY_PREFIX
	NAMED
)

// Redirect is a short-circuit redirect response, set by the "return"
// directive.
type Redirect struct {
	Code int
	URL  string
}

// HasRedirect reports whether r represents an actual redirect, i.e. it was
// set with a non-empty URL.
func (r *Redirect) HasRedirect() bool {
	return r != nil && r.URL != ""
}

// DefaultClientMaxBodySize is the BaseBlock.ClientMaxBodySize default: 1
// MiB.
const DefaultClientMaxBodySize = 1 << 20

// DefaultRoot is the filesystem root used when no "root" directive is given
// anywhere in the policy tree.
const DefaultRoot = "/var/lib/pginx/html/"

// cgiState is the tri-state of BaseBlock.CGIEnabled.
type cgiState uint8

const (
	cgiUnset cgiState = iota
	cgiOn
	cgiOff
)

// BaseBlock is the policy bag shared by Server and Location. It is a plain
// struct embedded by value; the Effective* functions below resolve
// "child overrides parent" by walking Location -> Server.
type BaseBlock struct {
	Root              string
	RootExplicit      bool
	ReturnData        *Redirect
	ClientMaxBodySize uint64
	IndexFiles        []string
	ErrorPages        map[int]string
	AutoIndex         bool

	cgiEnabled         cgiState
	CGIPassMap         map[string]string
	TransferEncodingOn bool
}

// newBaseBlock returns a BaseBlock with its documented defaults.
func newBaseBlock() BaseBlock {
	return BaseBlock{
		Root:              DefaultRoot,
		ClientMaxBodySize: DefaultClientMaxBodySize,
		IndexFiles:        []string{"index.html"},
		ErrorPages:        map[int]string{},
		CGIPassMap:        map[string]string{},
	}
}

// CGIExplicitlySet reports whether cgi_enabled was set directly on this
// block (as opposed to inherited).
func (b *BaseBlock) CGIExplicitlySet() bool {
	return b.cgiEnabled != cgiUnset
}

// CGIEnabledRaw returns the block's own cgi_enabled value and whether it
// was set at all.
func (b *BaseBlock) CGIEnabledRaw() (enabled bool, set bool) {
	return b.cgiEnabled == cgiOn, b.cgiEnabled != cgiUnset
}

func (b *BaseBlock) setCGIEnabled(v bool) {
	if v {
		b.cgiEnabled = cgiOn
	} else {
		b.cgiEnabled = cgiOff
	}
}

// resolveRoot turns a possibly-relative root directive value into an
// absolute, trailing-slash path. If wd cannot be determined, it falls back
// to compileTimePrefix.
func resolveRoot(raw string) string {
	if raw == "" {
		return DefaultRoot
	}

	path := raw
	if len(path) == 0 || path[len(path)-1] != '/' {
		path += "/"
	}

	if path[0] == '/' {
		return path
	}

	wd, err := os.Getwd()
	if err != nil {
		return compileTimePrefix + path
	}

	if wd[len(wd)-1] != '/' {
		wd += "/"
	}

	return wd + path
}

// compileTimePrefix is the fallback root prefix used when the working
// directory cannot be determined.
const compileTimePrefix = "/usr/local/pginx/"

// Location is a "location" block, extending BaseBlock with path-matching
// and method information.
type Location struct {
	BaseBlock

	Path      string
	MatchType MatchType
	Methods   map[string]bool
	UploadDir string
}

// defaultMethods is the default allowed method set for a Location.
func defaultMethods() map[string]bool {
	return map[string]bool{
		"GET":    true,
		"POST":   true,
		"DELETE": true,
	}
}

// newLocation returns a Location with defaults applied. Inheritance from
// a Server happens in leaveLocation.
func newLocation(path string, mt MatchType) *Location {
	return &Location{
		BaseBlock: newBaseBlock(),
		Path:      path,
		MatchType: mt,
		Methods:   defaultMethods(),
	}
}

// ListenAddr is a single (port, ipv4-address) listen endpoint.
type ListenAddr struct {
	Port    int
	Address string
}

// Server is a "server" block, extending BaseBlock with listen endpoints,
// server names and locations.
type Server struct {
	BaseBlock

	Listens     []ListenAddr
	listenSet   map[ListenAddr]bool
	ServerNames []string
	Locations   []*Location
}

// newServer returns a Server with defaults applied.
func newServer() *Server {
	return &Server{
		BaseBlock: newBaseBlock(),
		listenSet: map[ListenAddr]bool{},
	}
}

// AddListen appends a listen endpoint, dropping duplicates.
func (s *Server) AddListen(addr ListenAddr) {
	if s.listenSet[addr] {
		return
	}
	s.listenSet[addr] = true
	s.Listens = append(s.Listens, addr)
}

// DefaultName returns the server's "default" name: its first configured
// server_name, or "" if none are configured.
func (s *Server) DefaultName() string {
	if len(s.ServerNames) == 0 {
		return ""
	}
	return s.ServerNames[0]
}

// Container is the root of the configuration: an ordered list of Servers.
type Container struct {
	Servers []*Server
}

// MatchServer selects the Server for a connection: the first Server whose
// listen set contains the local port and either "0.0.0.0" or the exact
// address, falling back to the first Server.
func (c *Container) MatchServer(localAddr string, localPort int) *Server {
	for _, s := range c.Servers {
		for _, l := range s.Listens {
			if l.Port != localPort {
				continue
			}
			if l.Address == "" || l.Address == "0.0.0.0" || l.Address == localAddr {
				return s
			}
		}
	}

	if len(c.Servers) > 0 {
		return c.Servers[0]
	}

	return nil
}

// MatchServerName resolves the name reported for host: an exact
// server_name match, falling back to the server's own default name, or to
// "localhost" when the server has no server_name at all. It
// never changes which Server handles the connection (that is MatchServer's
// job); it only affects what SERVER_NAME a CGI script sees.
func (s *Server) MatchServerName(host string) string {
	for _, n := range s.ServerNames {
		if n == host {
			return n
		}
	}

	if n := s.DefaultName(); n != "" {
		return n
	}

	return "localhost"
}

// MatchLocation returns the Location whose Path is the longest prefix of
// path, ties broken by insertion order. All MatchType values are
// dispatched as PREFIX.
func (s *Server) MatchLocation(path string) *Location {
	var best *Location
	bestLen := -1

	for _, loc := range s.Locations {
		if !hasPrefix(path, loc.Path) {
			continue
		}
		if len(loc.Path) > bestLen {
			best = loc
			bestLen = len(loc.Path)
		}
	}

	return best
}

func hasPrefix(path, prefix string) bool {
	if len(prefix) > len(path) {
		return false
	}
	return path[:len(prefix)] == prefix
}

// EffectiveCGIEnabled resolves whether CGI is enabled for loc: a Location
// inherits its Server's value iff it did not explicitly set its own.
func EffectiveCGIEnabled(srv *Server, loc *Location) bool {
	if loc != nil {
		if enabled, set := loc.CGIEnabledRaw(); set {
			return enabled
		}
	}
	if srv != nil {
		enabled, _ := srv.CGIEnabledRaw()
		return enabled
	}
	return false
}

// EffectiveCGIPass resolves the interpreter path for ext, walking Location
// -> Server: a Location's mapping for ext always beats its Server's; a
// Server's mapping for ext not present in the Location is still visible.
func EffectiveCGIPass(srv *Server, loc *Location, ext string) (string, bool) {
	if loc != nil {
		if p, ok := loc.CGIPassMap[ext]; ok {
			return p, true
		}
	}
	if srv != nil {
		if p, ok := srv.CGIPassMap[ext]; ok {
			return p, true
		}
	}
	return "", false
}

// EffectiveRoot resolves the filesystem root for loc, preferring the
// Location's own root over its Server's.
func EffectiveRoot(srv *Server, loc *Location) string {
	if loc != nil && loc.RootExplicit {
		return loc.Root
	}
	if srv != nil && srv.RootExplicit {
		return srv.Root
	}
	if loc != nil {
		return loc.Root
	}
	return DefaultRoot
}

// EffectiveUploadDir resolves the upload directory for a POST:
// loc.UploadDir if non-empty, else the effective root.
func EffectiveUploadDir(srv *Server, loc *Location) string {
	if loc != nil && loc.UploadDir != "" {
		return loc.UploadDir
	}
	return EffectiveRoot(srv, loc)
}

// EffectiveErrorPage resolves the configured error page path for status,
// walking Location -> Server.
func EffectiveErrorPage(srv *Server, loc *Location, status int) (string, bool) {
	if loc != nil {
		if p, ok := loc.ErrorPages[status]; ok {
			return p, true
		}
	}
	if srv != nil {
		if p, ok := srv.ErrorPages[status]; ok {
			return p, true
		}
	}
	return "", false
}

// EffectiveAutoIndex resolves the autoindex flag for loc. Autoindex has no
// tri-state, so once a Location has matched its own (possibly
// default-false) value wins.
func EffectiveAutoIndex(loc *Location) bool {
	return loc != nil && loc.AutoIndex
}

// EffectiveReturn resolves the redirect for loc, falling back to srv.
func EffectiveReturn(srv *Server, loc *Location) *Redirect {
	if loc != nil && loc.ReturnData != nil {
		return loc.ReturnData
	}
	if srv != nil && srv.ReturnData != nil {
		return srv.ReturnData
	}
	return nil
}

// EffectiveClientMaxBodySize resolves the body size cap for loc.
func EffectiveClientMaxBodySize(srv *Server, loc *Location) uint64 {
	if loc != nil && loc.ClientMaxBodySize != 0 {
		return loc.ClientMaxBodySize
	}
	if srv != nil && srv.ClientMaxBodySize != 0 {
		return srv.ClientMaxBodySize
	}
	return DefaultClientMaxBodySize
}

// EffectiveIndexFiles resolves the index file list for loc.
func EffectiveIndexFiles(srv *Server, loc *Location) []string {
	if loc != nil && len(loc.IndexFiles) > 0 {
		return loc.IndexFiles
	}
	if srv != nil && len(srv.IndexFiles) > 0 {
		return srv.IndexFiles
	}
	return []string{"index.html"}
}

// ValidateErrorPageStatus rejects error_page codes outside [300,599].
func ValidateErrorPageStatus(code int) error {
	if code < 300 || code > 599 {
		return fmt.Errorf(
			"config: error_page status %d out of range [300,599]", code,
		)
	}
	return nil
}
