package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

// Parser consumes a token stream and builds the policy tree: one small,
// named step per grammar production, no backtracking.
type Parser struct {
	tokens []Token
	pos    int
}

// Parse parses configuration text into a Container. It accepts either a
// top-level "http { ... }" block containing "server { ... }" blocks, or a
// bare stream of "server { ... }" blocks.
func Parse(text string) (c *Container, err error) {
	defer func() {
		if err != nil {
			err = &Error{cause: err}
		}
	}()

	tokens, err := lex(text)
	if err != nil {
		return nil, err
	}

	if len(tokens) == 0 {
		return nil, fmt.Errorf("config: empty configuration")
	}

	p := &Parser{tokens: tokens}

	c = &Container{}

	for !p.atEnd() {
		tok := p.peek()
		switch {
		case tok.Type == LEVEL && tok.Value == "http":
			p.advance()
			if err := p.expectSymbol("{"); err != nil {
				return nil, err
			}
			for !p.atEnd() && !p.peekIsSymbol("}") {
				srv, err := p.parseServerBlock()
				if err != nil {
					return nil, err
				}
				c.Servers = append(c.Servers, srv)
			}
			if err := p.expectSymbol("}"); err != nil {
				return nil, err
			}
		case tok.Type == LEVEL && tok.Value == "server":
			srv, err := p.parseServerBlock()
			if err != nil {
				return nil, err
			}
			c.Servers = append(c.Servers, srv)
		default:
			return nil, fmt.Errorf(
				"config: unexpected token %q at line %d", tok.Value, tok.Line,
			)
		}
	}

	if len(c.Servers) == 0 {
		return nil, fmt.Errorf("config: no servers produced")
	}

	for _, srv := range c.Servers {
		if len(srv.Listens) == 0 {
			srv.AddListen(ListenAddr{Port: 80, Address: "0.0.0.0"})
		}
	}

	return c, nil
}

// ParseFile reads path and parses its contents.
func ParseFile(path string) (*Container, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(string(b))
}

func (p *Parser) atEnd() bool {
	return p.pos >= len(p.tokens)
}

func (p *Parser) peek() Token {
	if p.atEnd() {
		return Token{}
	}
	return p.tokens[p.pos]
}

func (p *Parser) peekIsSymbol(v string) bool {
	t := p.peek()
	return t.Type == SYMBOL && t.Value == v
}

func (p *Parser) advance() Token {
	t := p.peek()
	p.pos++
	return t
}

func (p *Parser) expectSymbol(v string) error {
	if p.atEnd() {
		return fmt.Errorf("config: unclosed block, expected %q", v)
	}
	t := p.advance()
	if t.Type != SYMBOL || t.Value != v {
		return fmt.Errorf(
			"config: expected %q but got %q at line %d", v, t.Value, t.Line,
		)
	}
	return nil
}

// readDirectiveArgs reads tokens up to (and consuming) the terminating ';',
// returning the argument values in order.
func (p *Parser) readDirectiveArgs() ([]Token, error) {
	var args []Token
	for {
		if p.atEnd() {
			return nil, fmt.Errorf("config: missing ';'")
		}
		t := p.peek()
		if t.Type == SYMBOL && t.Value == ";" {
			p.advance()
			return args, nil
		}
		if t.Type == SYMBOL {
			return nil, fmt.Errorf(
				"config: missing ';' before %q at line %d", t.Value, t.Line,
			)
		}
		args = append(args, p.advance())
	}
}

func argValues(args []Token) []string {
	vs := make([]string, len(args))
	for i, a := range args {
		vs[i] = a.Value
	}
	return vs
}

// parseServerBlock parses "server { ... }".
func (p *Parser) parseServerBlock() (*Server, error) {
	if p.atEnd() || p.peek().Type != LEVEL || p.peek().Value != "server" {
		t := p.peek()
		return nil, fmt.Errorf(
			"config: expected 'server' but got %q at line %d", t.Value, t.Line,
		)
	}
	p.advance()

	if err := p.expectSymbol("{"); err != nil {
		return nil, err
	}

	srv := newServer()

	for !p.atEnd() && !p.peekIsSymbol("}") {
		tok := p.peek()

		if tok.Type == LEVEL && tok.Value == "location" {
			loc, err := p.parseLocationBlock(srv)
			if err != nil {
				return nil, err
			}
			srv.Locations = append(srv.Locations, loc)
			continue
		}

		if tok.Type != ATTRIBUTE {
			return nil, fmt.Errorf(
				"config: unknown directive %q at line %d", tok.Value, tok.Line,
			)
		}
		p.advance()

		args, err := p.readDirectiveArgs()
		if err != nil {
			return nil, err
		}

		if err := applyServerDirective(srv, tok.Value, args); err != nil {
			return nil, err
		}
	}

	if err := p.expectSymbol("}"); err != nil {
		return nil, err
	}

	return srv, nil
}

// parseLocationBlock parses "location [modifier] <path> { ... }".
func (p *Parser) parseLocationBlock(srv *Server) (*Location, error) {
	p.advance() // consume "location"

	mt := PREFIX
	if p.atEnd() {
		return nil, fmt.Errorf("config: unclosed location")
	}

	modTok := p.peek()
	switch {
	case modTok.Value == "=":
		mt = EXACT
		p.advance()
	case modTok.Value == "~":
		mt = REGEX_CASE
		p.advance()
	case modTok.Value == "~*":
		mt = REGEX_ICASE
		p.advance()
	case modTok.Value == "^~":
		mt = PRIORITY_PREFIX
		p.advance()
	case strings.HasPrefix(modTok.Value, "@"):
		mt = NAMED
	}

	if p.atEnd() || p.peek().Type == SYMBOL {
		return nil, fmt.Errorf("config: missing location path")
	}
	pathTok := p.advance()

	loc := newLocation(pathTok.Value, mt)

	if err := p.expectSymbol("{"); err != nil {
		return nil, err
	}

	for !p.atEnd() && !p.peekIsSymbol("}") {
		tok := p.peek()
		if tok.Type != ATTRIBUTE {
			return nil, fmt.Errorf(
				"config: unknown directive %q at line %d", tok.Value, tok.Line,
			)
		}
		p.advance()

		args, err := p.readDirectiveArgs()
		if err != nil {
			return nil, err
		}

		if err := applyLocationDirective(loc, tok.Value, args); err != nil {
			return nil, err
		}
	}

	if err := p.expectSymbol("}"); err != nil {
		return nil, err
	}

	leaveLocation(srv, loc)

	return loc, nil
}

// leaveLocation applies inheritance when a location block is closed: an
// unset cgi_enabled inherits the server's value, and server cgi_pass
// entries fill gaps the location did not map itself.
func leaveLocation(srv *Server, loc *Location) {
	if !loc.CGIExplicitlySet() {
		if enabled, set := srv.CGIEnabledRaw(); set {
			loc.setCGIEnabled(enabled)
		}
	}

	for ext, interp := range srv.CGIPassMap {
		if _, ok := loc.CGIPassMap[ext]; !ok {
			loc.CGIPassMap[ext] = interp
		}
	}
}

// applyServerDirective applies a single directive to a server block.
func applyServerDirective(srv *Server, name string, args []Token) error {
	vs := argValues(args)

	switch name {
	case "listen":
		return applyListen(srv, vs)
	case "server_name":
		applyServerName(srv, vs)
		return nil
	case "root":
		return applyRoot(&srv.BaseBlock, vs)
	case "client_max_body_size":
		return applyClientMaxBodySize(&srv.BaseBlock, vs)
	case "index":
		srv.IndexFiles = append([]string{}, vs...)
		if len(srv.IndexFiles) == 0 {
			srv.IndexFiles = []string{"index.html"}
		}
		return nil
	case "error_page":
		return applyErrorPage(&srv.BaseBlock, vs)
	case "autoindex":
		return applyAutoIndex(&srv.BaseBlock, vs)
	case "cgi_enabled":
		return applyCGIEnabled(&srv.BaseBlock, vs)
	case "cgi_pass":
		return applyCGIPass(&srv.BaseBlock, vs)
	case "transfer_encoding":
		return applyTransferEncoding(&srv.BaseBlock, vs)
	case "return":
		return applyReturn(&srv.BaseBlock, vs)
	case "allow_methods", "upload_dir":
		return fmt.Errorf("config: %q is only valid inside a location block", name)
	default:
		return fmt.Errorf("config: unknown directive %q", name)
	}
}

// applyLocationDirective applies a single directive to a location block.
func applyLocationDirective(loc *Location, name string, args []Token) error {
	vs := argValues(args)

	switch name {
	case "root":
		return applyRoot(&loc.BaseBlock, vs)
	case "index":
		loc.IndexFiles = append([]string{}, vs...)
		if len(loc.IndexFiles) == 0 {
			loc.IndexFiles = []string{"index.html"}
		}
		return nil
	case "autoindex":
		return applyAutoIndex(&loc.BaseBlock, vs)
	case "error_page":
		return applyErrorPage(&loc.BaseBlock, vs)
	case "upload_dir":
		if len(vs) != 1 {
			return fmt.Errorf("config: upload_dir takes exactly one argument")
		}
		loc.UploadDir = vs[0]
		return nil
	case "allow_methods":
		return applyAllowMethods(loc, vs)
	case "cgi_enabled":
		return applyCGIEnabled(&loc.BaseBlock, vs)
	case "transfer_encoding":
		return applyTransferEncoding(&loc.BaseBlock, vs)
	case "cgi_pass":
		return applyCGIPass(&loc.BaseBlock, vs)
	case "return":
		return applyReturn(&loc.BaseBlock, vs)
	case "client_max_body_size":
		return applyClientMaxBodySize(&loc.BaseBlock, vs)
	case "server_name", "listen":
		return fmt.Errorf("config: %q is not valid inside a location block", name)
	default:
		return fmt.Errorf("config: unknown directive %q", name)
	}
}

func applyListen(srv *Server, vs []string) error {
	if len(vs) != 1 {
		return fmt.Errorf("config: listen takes exactly one argument")
	}

	spec := vs[0]
	addr := "0.0.0.0"
	portStr := spec

	if idx := strings.LastIndex(spec, ":"); idx >= 0 {
		addr = spec[:idx]
		portStr = spec[idx+1:]
	}

	if addr != "" && addr != "0.0.0.0" {
		if !isIPv4(addr) {
			return fmt.Errorf("config: invalid listen address %q", addr)
		}
	}
	if addr == "" {
		addr = "0.0.0.0"
	}

	port := 80
	if portStr != "" {
		n, err := strconv.Atoi(portStr)
		if err != nil || n < 0 || n > 65535 {
			return fmt.Errorf("config: invalid listen port %q", portStr)
		}
		port = n
	}

	srv.AddListen(ListenAddr{Port: port, Address: addr})
	return nil
}

func isIPv4(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if !isAllDigits(p) {
			return false
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return false
		}
	}
	return true
}

func applyServerName(srv *Server, vs []string) {
	if len(srv.ServerNames) == 1 && srv.ServerNames[0] == "" {
		srv.ServerNames = nil
	}
	srv.ServerNames = append(srv.ServerNames, vs...)
}

func applyRoot(b *BaseBlock, vs []string) error {
	if len(vs) != 1 || vs[0] == "" {
		return fmt.Errorf("config: root requires exactly one non-empty argument")
	}

	raw := vs[0]
	if len(raw) > 0 && raw[len(raw)-1] == '/' {
		fi, err := os.Stat(raw)
		if err != nil || !fi.IsDir() {
			return fmt.Errorf("config: root %q is not a readable directory", raw)
		}
	}

	b.Root = resolveRoot(raw)
	b.RootExplicit = true
	return nil
}

// maxRawSizeValue bounds the raw numeric part of a suffixed size value so
// that, after suffix multiplication, it still fits in a uint64.
const maxRawSizeValue = math.MaxUint64 / (1 << 30)

func applyClientMaxBodySize(b *BaseBlock, vs []string) error {
	if len(vs) != 1 {
		return fmt.Errorf("config: client_max_body_size requires exactly one argument")
	}

	n, err := parseSize(vs[0])
	if err != nil {
		return err
	}

	b.ClientMaxBodySize = n
	return nil
}

// parseSize parses a raw size value with an optional k|m|g suffix
// (case-insensitive).
func parseSize(raw string) (uint64, error) {
	if raw == "" {
		return 0, fmt.Errorf("config: empty size value")
	}

	mult := uint64(1)
	numPart := raw
	switch raw[len(raw)-1] {
	case 'k', 'K':
		mult = 1 << 10
		numPart = raw[:len(raw)-1]
	case 'm', 'M':
		mult = 1 << 20
		numPart = raw[:len(raw)-1]
	case 'g', 'G':
		mult = 1 << 30
		numPart = raw[:len(raw)-1]
	}

	if !isAllDigits(numPart) {
		return 0, fmt.Errorf("config: invalid size value %q", raw)
	}

	n, err := strconv.ParseUint(numPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid size value %q", raw)
	}

	if n > maxRawSizeValue {
		return 0, fmt.Errorf("config: size value %q overflows", raw)
	}

	return n * mult, nil
}

func applyErrorPage(b *BaseBlock, vs []string) error {
	if len(vs) < 2 {
		return fmt.Errorf("config: error_page requires a page and at least one status")
	}

	page := vs[len(vs)-1]
	codes := vs[:len(vs)-1]

	for _, c := range codes {
		if !isAllDigits(c) {
			return fmt.Errorf("config: invalid error_page status %q", c)
		}
		n, err := strconv.Atoi(c)
		if err != nil {
			return fmt.Errorf("config: invalid error_page status %q", c)
		}
		if err := ValidateErrorPageStatus(n); err != nil {
			return err
		}
		b.ErrorPages[n] = page
	}

	return nil
}

func applyAutoIndex(b *BaseBlock, vs []string) error {
	on, err := parseOnOff(vs)
	if err != nil {
		return err
	}
	b.AutoIndex = on
	return nil
}

func applyCGIEnabled(b *BaseBlock, vs []string) error {
	on, err := parseOnOff(vs)
	if err != nil {
		return err
	}
	b.setCGIEnabled(on)
	return nil
}

func applyTransferEncoding(b *BaseBlock, vs []string) error {
	on, err := parseOnOff(vs)
	if err != nil {
		return err
	}
	b.TransferEncodingOn = on
	return nil
}

func parseOnOff(vs []string) (bool, error) {
	if len(vs) != 1 {
		return false, fmt.Errorf("config: expected exactly one of 'on'/'off'")
	}
	switch vs[0] {
	case "on":
		return true, nil
	case "off":
		return false, nil
	default:
		return false, fmt.Errorf("config: expected 'on' or 'off', got %q", vs[0])
	}
}

func applyCGIPass(b *BaseBlock, vs []string) error {
	if len(vs) != 2 {
		return fmt.Errorf("config: cgi_pass requires exactly two arguments")
	}
	ext, interp := vs[0], vs[1]
	if len(ext) == 0 || ext[0] != '.' {
		return fmt.Errorf("config: cgi_pass extension %q must start with '.'", ext)
	}
	b.CGIPassMap[ext] = interp
	return nil
}

func applyAllowMethods(loc *Location, vs []string) error {
	if len(vs) == 0 {
		return fmt.Errorf("config: allow_methods requires at least one method")
	}
	methods := map[string]bool{}
	for _, m := range vs {
		switch m {
		case "GET", "HEAD", "POST", "DELETE", "PUT", "PATCH":
			methods[m] = true
		default:
			return fmt.Errorf("config: unknown method %q", m)
		}
	}
	loc.Methods = methods
	return nil
}

func applyReturn(b *BaseBlock, vs []string) error {
	if len(vs) == 0 || len(vs) > 2 {
		return fmt.Errorf("config: return requires a status and an optional url")
	}
	if !isAllDigits(vs[0]) {
		return fmt.Errorf("config: invalid return status %q", vs[0])
	}
	code, err := strconv.Atoi(vs[0])
	if err != nil {
		return fmt.Errorf("config: invalid return status %q", vs[0])
	}

	url := ""
	if len(vs) == 2 {
		url = vs[1]
	}

	if url != "" {
		switch code {
		case 301, 302, 303, 307, 308:
		default:
			return fmt.Errorf("config: return status %d cannot redirect to a url", code)
		}
	}

	b.ReturnData = &Redirect{Code: code, URL: url}
	return nil
}
