// Package mogiletest provides an in-process tracker and storage node for tests.
package mogiletest

import (
	"bufio"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Request is one command the tracker received.
type Request struct {
	Command string
	Args    map[string]string
}

type file struct {
	fid   int64
	class string
	size  int64
	paths []string
}

type pending struct {
	domain string
	key    string
	class  string
	devid  string
	path   string
}

type injected struct {
	code  string
	msg   string
	times int
}

// Tracker speaks the tracker line protocol on a loopback port and keeps its
// namespace in memory. Files are stored on the attached Storage node.
type Tracker struct {
	ln      net.Listener
	storage *Storage

	mu          sync.Mutex
	domains     map[string]map[string]*file
	opens       map[int64]*pending
	nextFID     int64
	requests    []Request
	accepted    int
	drops       int
	down        bool
	failures    map[string]*injected
	extraPaths  map[string][]string
	sleepFactor time.Duration

	wg     sync.WaitGroup
	closed chan struct{}
}

// NewTracker starts a tracker backed by storage. Domains are created on first use.
func NewTracker(storage *Storage) (*Tracker, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	t := &Tracker{
		ln:          ln,
		storage:     storage,
		domains:     make(map[string]map[string]*file),
		opens:       make(map[int64]*pending),
		failures:    make(map[string]*injected),
		extraPaths:  make(map[string][]string),
		sleepFactor: time.Millisecond,
		closed:      make(chan struct{}),
	}
	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

// Addr returns host:port.
func (t *Tracker) Addr() string {
	return t.ln.Addr().String()
}

// Close stops the listener and waits for connection handlers to finish.
func (t *Tracker) Close() {
	select {
	case <-t.closed:
		return
	default:
	}
	close(t.closed)
	_ = t.ln.Close()
	t.wg.Wait()
}

// DropNext makes the next n requests close their connection without replying.
func (t *Tracker) DropNext(n int) {
	t.mu.Lock()
	t.drops = n
	t.mu.Unlock()
}

// SetDown makes every request fail at the transport level until cleared.
func (t *Tracker) SetDown(down bool) {
	t.mu.Lock()
	t.down = down
	t.mu.Unlock()
}

// FailCommand answers the next times calls of cmd with ERR code msg. A
// negative times fails forever.
func (t *Tracker) FailCommand(cmd, code, msg string, times int) {
	t.mu.Lock()
	t.failures[cmd] = &injected{code: code, msg: msg, times: times}
	t.mu.Unlock()
}

// SetSleepUnit scales the sleep command's duration argument.
func (t *Tracker) SetSleepUnit(d time.Duration) {
	t.mu.Lock()
	t.sleepFactor = d
	t.mu.Unlock()
}

// PrependPaths makes get_paths for key list extra paths before the real ones.
func (t *Tracker) PrependPaths(key string, paths ...string) {
	t.mu.Lock()
	t.extraPaths[key] = paths
	t.mu.Unlock()
}

// Requests returns every request seen so far.
func (t *Tracker) Requests() []Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Request(nil), t.requests...)
}

// Count returns how many times cmd was received.
func (t *Tracker) Count(cmd string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, r := range t.requests {
		if r.Command == cmd {
			n++
		}
	}
	return n
}

// Accepted returns the number of connections accepted.
func (t *Tracker) Accepted() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.accepted
}

// Keys returns the committed keys of domain, sorted.
func (t *Tracker) Keys(domain string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var keys []string
	for k := range t.domains[domain] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (t *Tracker) acceptLoop() {
	defer t.wg.Done()
	for {
		c, err := t.ln.Accept()
		if err != nil {
			return
		}
		t.mu.Lock()
		t.accepted++
		t.mu.Unlock()

		t.wg.Add(1)
		go t.serve(c)
	}
}

func (t *Tracker) serve(c net.Conn) {
	defer t.wg.Done()
	defer c.Close()

	go func() {
		<-t.closed
		_ = c.Close()
	}()

	r := bufio.NewReader(c)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		cmd, rest, _ := strings.Cut(line, " ")
		args, _ := url.ParseQuery(rest)
		flat := make(map[string]string, len(args))
		for k, v := range args {
			flat[k] = v[0]
		}

		t.mu.Lock()
		t.requests = append(t.requests, Request{Command: cmd, Args: flat})
		drop := t.down || t.drops > 0
		if t.drops > 0 {
			t.drops--
		}
		t.mu.Unlock()

		if drop {
			return
		}

		reply := t.handle(cmd, flat)
		if _, err := c.Write([]byte(reply)); err != nil {
			return
		}
	}
}

func (t *Tracker) handle(cmd string, args map[string]string) string {
	t.mu.Lock()
	if f, ok := t.failures[cmd]; ok && f.times != 0 {
		if f.times > 0 {
			f.times--
		}
		t.mu.Unlock()
		return errReply(f.code, f.msg)
	}
	t.mu.Unlock()

	switch cmd {
	case "create_open":
		return t.createOpen(args)
	case "create_close":
		return t.createClose(args)
	case "get_paths":
		return t.getPaths(args)
	case "delete":
		return t.delete(args)
	case "rename":
		return t.rename(args)
	case "list_keys":
		return t.listKeys(args)
	case "sleep":
		n, _ := strconv.Atoi(args["duration"])
		t.mu.Lock()
		unit := t.sleepFactor
		t.mu.Unlock()
		time.Sleep(time.Duration(n) * unit)
		return okReply()
	case "noop":
		return okReply()
	default:
		return errReply("unknown_command", "Unknown server command")
	}
}

func (t *Tracker) domain(name string) map[string]*file {
	d, ok := t.domains[name]
	if !ok {
		d = make(map[string]*file)
		t.domains[name] = d
	}
	return d
}

func (t *Tracker) createOpen(args map[string]string) string {
	if args["domain"] == "" {
		return errReply("no_domain", "No domain provided")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextFID++
	fid := t.nextFID
	p := &pending{
		domain: args["domain"],
		key:    args["key"],
		class:  args["class"],
		devid:  "1",
		path:   fmt.Sprintf("%s/dev1/0/000/000/%010d.fid", t.storage.URL(), fid),
	}
	t.opens[fid] = p
	return okReply("fid", strconv.FormatInt(fid, 10), "devid", p.devid, "path", p.path)
}

func (t *Tracker) createClose(args map[string]string) string {
	fid, err := strconv.ParseInt(args["fid"], 10, 64)
	if err != nil {
		return errReply("no_fid", "No FID provided")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.opens[fid]
	if !ok {
		return errReply("no_temp_file", "No tempfile or file already closed")
	}
	if args["path"] != p.path || args["devid"] != p.devid || args["key"] != p.key || args["domain"] != p.domain {
		return errReply("bad_params", "Invalid parameters")
	}
	size, err := strconv.ParseInt(args["size"], 10, 64)
	if err != nil {
		return errReply("bad_params", "Invalid size")
	}
	stored, ok := t.storage.objectSize(p.path)
	if !ok {
		return errReply("empty_file", "Uploaded file is missing")
	}
	if stored != size {
		return errReply("size_mismatch", fmt.Sprintf("Expected: %d; actual: %d", size, stored))
	}

	delete(t.opens, fid)
	t.domain(p.domain)[p.key] = &file{fid: fid, class: p.class, size: size, paths: []string{p.path}}
	return okReply()
}

func (t *Tracker) getPaths(args map[string]string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.domain(args["domain"])[args["key"]]
	if !ok {
		return errReply("unknown_key", "Unknown key")
	}
	paths := append(append([]string(nil), t.extraPaths[args["key"]]...), f.paths...)
	kv := []string{"paths", strconv.Itoa(len(paths))}
	for i, p := range paths {
		kv = append(kv, "path"+strconv.Itoa(i+1), p)
	}
	return okReply(kv...)
}

func (t *Tracker) delete(args map[string]string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	d := t.domain(args["domain"])
	f, ok := d[args["key"]]
	if !ok {
		return errReply("unknown_key", "Unknown key")
	}
	delete(d, args["key"])
	for _, p := range f.paths {
		t.storage.remove(p)
	}
	return okReply()
}

func (t *Tracker) rename(args map[string]string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	d := t.domain(args["domain"])
	f, ok := d[args["from_key"]]
	if !ok {
		return errReply("unknown_key", "Unknown key")
	}
	if _, exists := d[args["to_key"]]; exists {
		return errReply("key_exists", "Target key name already exists; can't overwrite.")
	}
	delete(d, args["from_key"])
	d[args["to_key"]] = f
	return okReply()
}

func (t *Tracker) listKeys(args map[string]string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	limit := 1000
	if l, err := strconv.Atoi(args["limit"]); err == nil && l > 0 {
		limit = l
	}

	var keys []string
	for k := range t.domain(args["domain"]) {
		if strings.HasPrefix(k, args["prefix"]) && k > args["after"] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if len(keys) > limit {
		keys = keys[:limit]
	}
	if len(keys) == 0 {
		return errReply("none_match", "No keys match that pattern and after-value (if any).")
	}

	kv := []string{"key_count", strconv.Itoa(len(keys)), "after_key", keys[len(keys)-1]}
	for i, k := range keys {
		kv = append(kv, "key_"+strconv.Itoa(i+1), k)
	}
	return okReply(kv...)
}

func okReply(kv ...string) string {
	var sb strings.Builder
	sb.WriteString("OK ")
	for i := 0; i+1 < len(kv); i += 2 {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(kv[i]))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(kv[i+1]))
	}
	sb.WriteString("\r\n")
	return sb.String()
}

func errReply(code, msg string) string {
	return fmt.Sprintf("ERR %s %s\r\n", code, url.QueryEscape(msg))
}
