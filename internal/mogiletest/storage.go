package mogiletest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
)

// Storage is an HTTP storage node holding objects by full URL.
type Storage struct {
	srv *httptest.Server

	mu        sync.Mutex
	objects   map[string][]byte
	putStatus int
	getStatus map[string]int
	truncate  map[string]int
	puts      int
	gets      int
}

// NewStorage starts a storage node.
func NewStorage() *Storage {
	s := &Storage{
		objects:   make(map[string][]byte),
		getStatus: make(map[string]int),
		truncate:  make(map[string]int),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	return s
}

// URL is the node's base URL.
func (s *Storage) URL() string {
	return s.srv.URL
}

// Close shuts the node down.
func (s *Storage) Close() {
	s.srv.Close()
}

// FailPuts answers every PUT with status until reset with 0.
func (s *Storage) FailPuts(status int) {
	s.mu.Lock()
	s.putStatus = status
	s.mu.Unlock()
}

// FailGet answers GETs of url with status.
func (s *Storage) FailGet(url string, status int) {
	s.mu.Lock()
	s.getStatus[url] = status
	s.mu.Unlock()
}

// TruncateGet makes GETs of url advertise the full length but send only n bytes.
func (s *Storage) TruncateGet(url string, n int) {
	s.mu.Lock()
	s.truncate[url] = n
	s.mu.Unlock()
}

// Object returns a stored object by URL.
func (s *Storage) Object(url string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[url]
	return b, ok
}

// Len returns the number of stored objects.
func (s *Storage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// Puts returns the number of PUT requests received.
func (s *Storage) Puts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

// Gets returns the number of GET requests received.
func (s *Storage) Gets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

func (s *Storage) objectSize(url string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[url]
	return int64(len(b)), ok
}

func (s *Storage) remove(url string) {
	s.mu.Lock()
	delete(s.objects, url)
	s.mu.Unlock()
}

func (s *Storage) serveHTTP(w http.ResponseWriter, r *http.Request) {
	full := s.srv.URL + r.URL.Path

	switch r.Method {
	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		s.mu.Lock()
		s.puts++
		status := s.putStatus
		s.mu.Unlock()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if status != 0 {
			http.Error(w, "injected put failure", status)
			return
		}
		s.mu.Lock()
		s.objects[full] = body
		s.mu.Unlock()
		w.WriteHeader(http.StatusCreated)

	case http.MethodGet:
		s.mu.Lock()
		s.gets++
		status := s.getStatus[full]
		b, ok := s.objects[full]
		cut, truncated := s.truncate[full]
		s.mu.Unlock()

		if status != 0 {
			http.Error(w, "injected get failure", status)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		if truncated && cut < len(b) {
			hj, ok := w.(http.Hijacker)
			if !ok {
				http.Error(w, "cannot truncate", http.StatusInternalServerError)
				return
			}
			conn, buf, err := hj.Hijack()
			if err != nil {
				return
			}
			defer conn.Close()
			_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nContent-Length: ")
			_, _ = buf.WriteString(strconv.Itoa(len(b)))
			_, _ = buf.WriteString("\r\nConnection: close\r\n\r\n")
			_, _ = buf.Write(b[:cut])
			_ = buf.Flush()
			return
		}
		_, _ = w.Write(b)

	case http.MethodDelete:
		s.remove(full)
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
