// Package netio is the non-blocking, event-driven connection manager: a
// single-threaded loop around a Linux epoll instance that owns every
// listener and client file descriptor, enforces size and time limits on
// incoming bytes, and dispatches complete requests to handler.Handle.
//
// Everything runs on one cooperative loop built directly on
// golang.org/x/sys/unix's epoll wrappers; no goroutine-per-connection,
// no net.Listener anywhere in the picture.
package netio

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/aofei/pginx/config"
	"github.com/aofei/pginx/filecache"
	"github.com/aofei/pginx/handler"
	"github.com/aofei/pginx/httpmsg"
	"github.com/aofei/pginx/logging"
)

const (
	// pollQuantum bounds each EpollWait so the idle sweep runs even under
	// no traffic.
	pollQuantum = 1 * time.Second

	// idleTimeout closes a client that has sent nothing for this long,
	// with a 408 if a partial request is pending.
	idleTimeout = 60 * time.Second

	// maxHeaderSize caps ingress bytes before a complete CRLFCRLF is
	// seen; exceeding it is a 431.
	maxHeaderSize = 4 << 10

	// maxRequestSize caps total request bytes once headers are complete;
	// exceeding it is a 413.
	maxRequestSize = 68 << 10

	// maxBodySize caps a non-chunked body, declared or received.
	// Chunked bodies are not size-validated here.
	maxBodySize = 64 << 10

	backlog = 10
)

// Manager owns the epoll instance, every listening and client socket, and
// the parsed configuration used to route each connection.
type Manager struct {
	epfd      int
	container *config.Container
	cache     *filecache.Cache
	log       *logging.Logger

	listeners map[int]*listenerState
	clients   map[int]*clientState
}

type listenerState struct {
	fd   int
	port int
	addr string
}

type clientState struct {
	fd              int
	peerAddr        string
	localAddr       string
	localPort       int
	ingress         []byte
	egress          []byte
	egressOff       int
	lastActive      time.Time
	closeAfterWrite bool
}

// New returns a Manager ready to ListenAll on the ports named by c's Servers.
func New(c *config.Container, cache *filecache.Cache, log *logging.Logger) (*Manager, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("netio: epoll_create1: %w", err)
	}

	return &Manager{
		epfd:      epfd,
		container: c,
		cache:     cache,
		log:       log,
		listeners: map[int]*listenerState{},
		clients:   map[int]*clientState{},
	}, nil
}

// ListenAll binds and registers a listener for every distinct
// (address, port) pair named across the container's servers; a duplicate
// pair reuses the first socket.
func (m *Manager) ListenAll() error {
	seen := map[config.ListenAddr]bool{}

	for _, srv := range m.container.Servers {
		for _, l := range srv.Listens {
			if seen[l] {
				continue
			}
			seen[l] = true

			if err := m.listen(l); err != nil {
				return err
			}
		}
	}

	return nil
}

func (m *Manager) listen(l config.ListenAddr) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("netio: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("netio: setsockopt SO_REUSEADDR: %w", err)
	}

	addr := &unix.SockaddrInet4{Port: l.Port}
	if ip := parseIPv4(l.Address); ip != nil {
		addr.Addr = *ip
	}

	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return fmt.Errorf("netio: bind %s:%d: %w", l.Address, l.Port, err)
	}

	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return fmt.Errorf("netio: listen %s:%d: %w", l.Address, l.Port, err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return fmt.Errorf("netio: set nonblocking: %w", err)
	}

	if err := m.epollAdd(fd, unix.EPOLLIN); err != nil {
		unix.Close(fd)
		return err
	}

	m.listeners[fd] = &listenerState{fd: fd, port: l.Port, addr: l.Address}
	m.log.Infof("listening on %s:%d", displayAddr(l.Address), l.Port)

	return nil
}

func parseIPv4(s string) *[4]byte {
	if s == "" || s == "0.0.0.0" {
		return &[4]byte{0, 0, 0, 0}
	}
	var a, b, c, d int
	if n, err := fmt.Sscanf(s, "%d.%d.%d.%d", &a, &b, &c, &d); err != nil || n != 4 {
		return &[4]byte{0, 0, 0, 0}
	}
	return &[4]byte{byte(a), byte(b), byte(c), byte(d)}
}

func displayAddr(s string) string {
	if s == "" {
		return "0.0.0.0"
	}
	return s
}

func (m *Manager) epollAdd(fd int, events uint32) error {
	ev := &unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, fd, ev)
}

func (m *Manager) epollMod(fd int, events uint32) error {
	ev := &unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(m.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

func (m *Manager) epollDel(fd int) {
	unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Serve runs the event loop until ctx is cancelled: accept new
// connections, service readable/writable clients, sweep idle connections
// every pollQuantum.
func (m *Manager) Serve(ctx context.Context) error {
	events := make([]unix.EpollEvent, 128)

	for {
		select {
		case <-ctx.Done():
			return m.shutdown()
		default:
		}

		n, err := unix.EpollWait(m.epfd, events, int(pollQuantum/time.Millisecond))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("netio: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			ev := events[i].Events

			if ls, ok := m.listeners[fd]; ok {
				m.acceptAll(ls)
				continue
			}

			cl, ok := m.clients[fd]
			if !ok {
				continue
			}

			if ev&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				m.closeClient(cl)
				continue
			}
			if ev&unix.EPOLLIN != 0 {
				m.handleReadable(cl)
			}
			if ev&unix.EPOLLOUT != 0 {
				m.handleWritable(cl)
			}
		}

		m.sweepIdle()
	}
}

func (m *Manager) shutdown() error {
	for fd := range m.clients {
		unix.Close(fd)
	}
	for fd := range m.listeners {
		unix.Close(fd)
	}
	return unix.Close(m.epfd)
}

func (m *Manager) acceptAll(ls *listenerState) {
	for {
		fd, sa, err := unix.Accept(ls.fd)
		if err != nil {
			return
		}

		unix.SetNonblock(fd, true)

		peer := "unknown"
		if sa4, ok := sa.(*unix.SockaddrInet4); ok {
			peer = fmt.Sprintf("%d.%d.%d.%d:%d",
				sa4.Addr[0], sa4.Addr[1], sa4.Addr[2], sa4.Addr[3], sa4.Port)
		}

		localAddr, localPort := ls.addr, ls.port
		if local, err := unix.Getsockname(fd); err == nil {
			if sa4, ok := local.(*unix.SockaddrInet4); ok {
				localAddr = fmt.Sprintf("%d.%d.%d.%d", sa4.Addr[0], sa4.Addr[1], sa4.Addr[2], sa4.Addr[3])
				localPort = sa4.Port
			}
		}

		cl := &clientState{
			fd:         fd,
			peerAddr:   peer,
			localAddr:  localAddr,
			localPort:  localPort,
			lastActive: time.Now(),
		}

		if err := m.epollAdd(fd, unix.EPOLLIN); err != nil {
			unix.Close(fd)
			continue
		}

		m.clients[fd] = cl
		m.log.Infof("accepted connection from %s on port %d", peer, localPort)
	}
}

func (m *Manager) handleReadable(cl *clientState) {
	buf := make([]byte, 4096)
	n, err := unix.Read(cl.fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		m.closeClient(cl)
		return
	}
	if n == 0 {
		m.closeClient(cl)
		return
	}

	cl.lastActive = time.Now()
	cl.ingress = append(cl.ingress, buf[:n]...)

	if !validIngressLine(cl.ingress) {
		m.respondError(cl, 400)
		return
	}

	if !httpmsg.HeadersComplete(cl.ingress) {
		if len(cl.ingress) > maxHeaderSize {
			m.respondError(cl, 431)
		}
		return
	}

	if len(cl.ingress) > maxRequestSize {
		m.respondError(cl, 413)
		return
	}
	if !isChunked(cl.ingress) && bodyTooLarge(cl.ingress) {
		m.respondError(cl, 413)
		return
	}

	req, err := httpmsg.Parse(cl.ingress)
	if err != nil {
		status := 400
		if pe, ok := err.(*httpmsg.ParseError); ok {
			status = pe.Status
		}
		m.respondError(cl, status)
		return
	}

	cl.ingress = nil
	m.dispatch(cl, req)
}

// validIngressLine progressively validates the request line as bytes
// arrive: once the first CRLF is present, exactly two spaces must produce
// three non-empty fields, the version must be HTTP/1.0 or HTTP/1.1, no
// byte may be non-printable, and the path's %HH escapes must be
// well-formed hex. Returns true while the line is still incomplete.
func validIngressLine(buf []byte) bool {
	end := -1
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == '\r' && buf[i+1] == '\n' {
			end = i
			break
		}
	}
	if end < 0 {
		return true
	}

	line := string(buf[:end])

	spaces := 0
	for i := 0; i < len(line); i++ {
		if line[i] == ' ' {
			spaces++
		} else if line[i] < 0x20 || line[i] == 0x7f {
			return false
		}
	}
	if spaces != 2 {
		return false
	}

	fields := make([]string, 0, 3)
	for _, f := range splitBySpace(line) {
		if f == "" {
			return false
		}
		fields = append(fields, f)
	}
	if len(fields) != 3 {
		return false
	}

	if fields[2] != "HTTP/1.0" && fields[2] != "HTTP/1.1" {
		return false
	}

	return httpmsg.ValidPercentEncoding(fields[1])
}

func splitBySpace(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ' ' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}

// bodyTooLarge checks a complete header block's declared Content-Length
// and the bytes already received past the header terminator against
// maxBodySize.
func bodyTooLarge(buf []byte) bool {
	end := indexCRLFCRLF(buf)
	if end < 0 {
		return false
	}

	if len(buf)-(end+4) > maxBodySize {
		return true
	}

	head := string(buf[:end])
	for _, line := range splitLines(head) {
		idx := -1
		for i := 0; i < len(line); i++ {
			if line[i] == ':' {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		if !equalFold(line[:idx], "content-length") {
			continue
		}
		v := line[idx+1:]
		for len(v) > 0 && (v[0] == ' ' || v[0] == '\t') {
			v = v[1:]
		}
		n := 0
		for i := 0; i < len(v); i++ {
			if v[i] < '0' || v[i] > '9' {
				return false
			}
			n = n*10 + int(v[i]-'0')
			if n > maxBodySize {
				return true
			}
		}
		return n > maxBodySize
	}

	return false
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i+1 < len(s); i++ {
		if s[i] == '\r' && s[i+1] == '\n' {
			out = append(out, s[start:i])
			start = i + 2
		}
	}
	out = append(out, s[start:])
	return out
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// isChunked reports whether buf's header block (already known complete)
// declares a chunked transfer encoding, used to decide whether to exempt
// the request from maxBodySize before the body has fully arrived.
func isChunked(buf []byte) bool {
	end := indexCRLFCRLF(buf)
	if end < 0 {
		return false
	}
	head := string(buf[:end])
	return containsFold(head, "transfer-encoding") && containsFold(head, "chunked")
}

func indexCRLFCRLF(buf []byte) int {
	for i := 0; i+3 < len(buf); i++ {
		if buf[i] == '\r' && buf[i+1] == '\n' && buf[i+2] == '\r' && buf[i+3] == '\n' {
			return i
		}
	}
	return -1
}

func containsFold(s, substr string) bool {
	ls, lsub := len(s), len(substr)
	if lsub == 0 || lsub > ls {
		return lsub == 0
	}
	for i := 0; i+lsub <= ls; i++ {
		match := true
		for j := 0; j < lsub; j++ {
			a, b := s[i+j], substr[j]
			if 'A' <= a && a <= 'Z' {
				a += 'a' - 'A'
			}
			if 'A' <= b && b <= 'Z' {
				b += 'a' - 'A'
			}
			if a != b {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func (m *Manager) dispatch(cl *clientState, req *httpmsg.Request) {
	srv := m.container.MatchServer(cl.localAddr, cl.localPort)

	var loc *config.Location
	if srv != nil {
		loc = srv.MatchLocation(req.Path)
	}

	hctx := &handler.Context{
		Server:    srv,
		Location:  loc,
		PeerAddr:  cl.peerAddr,
		LocalPort: cl.localPort,
		Cache:     m.cache,
	}

	ctx, cancel := context.WithTimeout(context.Background(), idleTimeout)
	defer cancel()

	resp := handler.Handle(ctx, hctx, req)

	m.log.Infof("%s %s -> %d (%d bytes)", req.Method, req.Path, resp.Status, len(resp.Body))

	m.queueResponse(cl, resp.Build())
}

func (m *Manager) respondError(cl *clientState, status int) {
	resp := httpmsg.NewResponse(status)
	resp.WriteError(status, "")
	m.queueResponse(cl, resp.Build())
}

func (m *Manager) queueResponse(cl *clientState, raw []byte) {
	cl.egress = raw
	cl.egressOff = 0
	cl.closeAfterWrite = true

	m.epollMod(cl.fd, unix.EPOLLOUT)
	m.handleWritable(cl)
}

func (m *Manager) handleWritable(cl *clientState) {
	for cl.egressOff < len(cl.egress) {
		n, err := unix.Write(cl.fd, cl.egress[cl.egressOff:])
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			m.closeClient(cl)
			return
		}
		cl.egressOff += n
	}

	if cl.closeAfterWrite {
		m.closeClient(cl)
	}
}

func (m *Manager) sweepIdle() {
	now := time.Now()
	for _, cl := range m.clients {
		if now.Sub(cl.lastActive) > idleTimeout {
			if len(cl.ingress) > 0 {
				m.respondError(cl, 408)
				continue
			}
			m.closeClient(cl)
		}
	}
}

func (m *Manager) closeClient(cl *clientState) {
	m.epollDel(cl.fd)
	unix.Close(cl.fd)
	delete(m.clients, cl.fd)
}
