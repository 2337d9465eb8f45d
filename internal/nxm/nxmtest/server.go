// Package nxmtest provides a fake appliance for tests.
//
// Server speaks just enough of the appliance protocol to drive the nxm
// packages end to end over real TLS: the login handshake, a rotating
// anti-forgery token, full and partial document queries over HTTP, and the
// realtime channel with query and update messages.
package nxmtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// Credentials accepted by a new Server.
const (
	Username = "admin"
	Password = "secret"
)

const (
	tokenHeader = "CREST-XSRF-TOKEN"
	authCookie  = "AuthByPasswd"
	trackCookie = "TRACKID"
)

// Server is a fake appliance.
type Server struct {
	*httptest.Server

	upgrader websocket.Upgrader

	mu        sync.Mutex
	doc       map[string]any
	token     string
	tokenSeq  int
	session   string
	overrides map[string]int
	conns     map[*websocket.Conn]*sync.Mutex
	received  []string
	strict    bool

	logins     atomic.Int32
	logouts    atomic.Int32
	deviceGets atomic.Int32
	upgrades   atomic.Int32
}

// NewServer starts a TLS fake appliance serving DefaultDocument.
func NewServer() *Server {
	s := &Server{
		overrides: map[string]int{},
		conns:     map[*websocket.Conn]*sync.Mutex{},
		strict:    true,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if err := json.Unmarshal([]byte(DefaultDocument), &s.doc); err != nil {
		panic(fmt.Sprintf("nxmtest: bad fixture: %v", err))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/userlogin.html", s.handleLogin)
	mux.HandleFunc("/logout", s.handleLogout)
	mux.HandleFunc("/websockify", s.handleChannel)
	mux.HandleFunc("/Device", s.handleDevice)
	mux.HandleFunc("/Device/", s.handleDevice)

	s.Server = httptest.NewTLSServer(s.override(mux))
	return s
}

// Close drops every realtime channel and shuts the server down.
func (s *Server) Close() {
	s.DropChannels()
	s.Server.Close()
}

// Host returns host:port for use as the appliance host.
func (s *Server) Host() string {
	return strings.TrimPrefix(s.URL, "https://")
}

// SetStatus makes every request to path answer with status until cleared
// with a zero status.
func (s *Server) SetStatus(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.overrides, path)
		return
	}
	s.overrides[path] = status
}

// SetTokenCheck toggles rejection of requests that do not echo the latest
// token. It is on by default.
func (s *Server) SetTokenCheck(on bool) {
	s.mu.Lock()
	s.strict = on
	s.mu.Unlock()
}

// Logins returns the number of successful logins.
func (s *Server) Logins() int { return int(s.logins.Load()) }

// Logouts returns the number of logout requests.
func (s *Server) Logouts() int { return int(s.logouts.Load()) }

// DeviceGets returns the number of full document fetches over HTTP.
func (s *Server) DeviceGets() int { return int(s.deviceGets.Load()) }

// Upgrades returns the number of realtime channels opened.
func (s *Server) Upgrades() int { return int(s.upgrades.Load()) }

// Token returns the token most recently issued.
func (s *Server) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Received returns every text message received on realtime channels.
func (s *Server) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

// Connections returns the number of open realtime channels.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Push merges a partial document into the fixture and sends it to every
// open realtime channel.
func (s *Server) Push(partial string) error {
	var p map[string]any
	if err := json.Unmarshal([]byte(partial), &p); err != nil {
		return err
	}
	s.mu.Lock()
	mergeInto(s.doc, p)
	s.mu.Unlock()
	s.broadcast([]byte(partial))
	return nil
}

// Send writes a raw message to every open realtime channel without touching
// the fixture.
func (s *Server) Send(raw string) {
	s.broadcast([]byte(raw))
}

// DropChannels closes every open realtime channel from the server side.
func (s *Server) DropChannels() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// Document returns the fixture as JSON.
func (s *Server) Document() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, _ := json.Marshal(s.doc)
	return raw
}

func (s *Server) override(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		status, ok := s.overrides[r.URL.Path]
		s.mu.Unlock()
		if ok {
			http.Error(w, http.StatusText(status), status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rotateLocked issues a fresh token on w. Caller holds s.mu.
func (s *Server) rotateLocked(w http.ResponseWriter) {
	s.tokenSeq++
	s.token = fmt.Sprintf("tok-%d", s.tokenSeq)
	w.Header().Set(tokenHeader, s.token)
}

// authorisedLocked checks the session cookie and, when strict, the token.
// Caller holds s.mu.
func (s *Server) authorisedLocked(r *http.Request) bool {
	c, err := r.Cookie(authCookie)
	if err != nil || s.session == "" || c.Value != s.session {
		return false
	}
	if s.strict && r.Header.Get(tokenHeader) != s.token {
		return false
	}
	return true
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		http.SetCookie(w, &http.Cookie{Name: trackCookie, Value: "track-1", Path: "/"})
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>login</body></html>"))

	case http.MethodPost:
		if _, err := r.Cookie(trackCookie); err != nil {
			http.Error(w, "missing priming cookie", http.StatusBadRequest)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("login") != Username || r.PostForm.Get("passwd") != Password {
			http.Error(w, "denied", http.StatusForbidden)
			return
		}

		n := s.logins.Add(1)
		s.mu.Lock()
		s.session = fmt.Sprintf("session-%d", n)
		http.SetCookie(w, &http.Cookie{Name: authCookie, Value: s.session, Path: "/"})
		s.rotateLocked(w)
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	s.logouts.Add(1)
	s.mu.Lock()
	s.session = ""
	s.token = ""
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if !s.authorisedLocked(r) {
		s.mu.Unlock()
		http.Error(w, "unauthorised", http.StatusUnauthorized)
		return
	}
	s.rotateLocked(w)

	switch r.Method {
	case http.MethodGet:
		body, ok := s.queryLocked(r.URL.Path)
		s.mu.Unlock()
		if r.URL.Path == "/Device" {
			s.deviceGets.Add(1)
		}
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)

	case http.MethodPost:
		var p map[string]any
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			s.mu.Unlock()
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		mergeInto(s.doc, p)
		s.mu.Unlock()
		raw, _ := json.Marshal(p)
		s.broadcast(raw)
		w.WriteHeader(http.StatusOK)

	default:
		s.mu.Unlock()
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// queryLocked returns the subtree addressed by path, wrapped back up to the
// root so it reads as a partial document. Caller holds s.mu.
func (s *Server) queryLocked(path string) ([]byte, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	var cur any = s.doc
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	for i := len(parts) - 1; i >= 0; i-- {
		cur = map[string]any{parts[i]: cur}
	}
	raw, err := json.Marshal(cur)
	return raw, err == nil
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	c, err := r.Cookie(authCookie)
	ok := err == nil && s.session != "" && c.Value == s.session
	s.mu.Unlock()
	if !ok {
		http.Error(w, "unauthorised", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.upgrades.Add(1)

	writeMu := &sync.Mutex{}
	s.mu.Lock()
	s.conns[conn] = writeMu
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg := string(data)

		s.mu.Lock()
		s.received = append(s.received, msg)
		var reply []byte
		var push bool
		if strings.HasPrefix(msg, "/") {
			reply, _ = s.queryLocked(msg)
		} else {
			var p map[string]any
			if json.Unmarshal(data, &p) == nil {
				mergeInto(s.doc, p)
				reply = data
				push = true
			}
		}
		s.mu.Unlock()

		switch {
		case push:
			s.broadcast(reply)
		case reply != nil:
			writeMu.Lock()
			_ = conn.WriteMessage(websocket.TextMessage, reply)
			writeMu.Unlock()
		}
	}
}

func (s *Server) broadcast(msg []byte) {
	s.mu.Lock()
	type target struct {
		conn *websocket.Conn
		mu   *sync.Mutex
	}
	targets := make([]target, 0, len(s.conns))
	for c, m := range s.conns {
		targets = append(targets, target{c, m})
	}
	s.mu.Unlock()

	for _, t := range targets {
		t.mu.Lock()
		_ = t.conn.WriteMessage(websocket.TextMessage, msg)
		t.mu.Unlock()
	}
}

func mergeInto(dst, src map[string]any) {
	for k, sv := range src {
		if sm, ok := sv.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				mergeInto(dm, sm)
				continue
			}
		}
		dst[k] = sv
	}
}
