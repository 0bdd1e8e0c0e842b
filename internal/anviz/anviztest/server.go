// Package anviztest serves a fake cloud tenant over httptest.
package anviztest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"attendance-sync-backend/internal/anviz"
)

// Query is a decoded attendance.record/getrecord payload.
type Query struct {
	Token     string
	BeginTime string `json:"begin_time"`
	EndTime   string `json:"end_time"`
	Order     string `json:"order"`
	Page      string `json:"page"`
	PerPage   string `json:"per_page"`
}

type punch struct {
	badge     string
	checkType int
	at        time.Time
}

// Server is a fake tenant accepting one key/secret pair.
type Server struct {
	srv *httptest.Server

	mu            sync.Mutex
	key, secret   string
	token         string
	tokenSeq      int
	alwaysExpire  bool
	status        int
	punches       []punch
	tokenRequests int
	queries       []Query
}

// NewServer starts a tenant and closes it when the test ends.
func NewServer(t testing.TB, key, secret string) *Server {
	t.Helper()
	s := &Server{key: key, secret: secret}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *Server) URL() string { return s.srv.URL }

// AddRecord adds a punch for the badge at the given instant.
func (s *Server) AddRecord(badge string, checkType int, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.punches = append(s.punches, punch{badge: badge, checkType: checkType, at: at})
}

// ExpireToken invalidates the current token; the next record request that
// presents it gets TOKEN_EXPIRES.
func (s *Server) ExpireToken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
}

// AlwaysExpire answers every record request with TOKEN_EXPIRES.
func (s *Server) AlwaysExpire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alwaysExpire = true
}

// FailWith answers every request with the given HTTP status.
func (s *Server) FailWith(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// IssuedToken is the token the tenant currently accepts.
func (s *Server) IssuedToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *Server) TokenRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenRequests
}

// Queries returns the record requests received, in order.
func (s *Server) Queries() []Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Query(nil), s.queries...)
}

type envelope struct {
	Header    anviz.Header     `json:"header"`
	Authorize *anviz.Authorize `json:"authorize"`
	Payload   json.RawMessage  `json:"payload"`
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != 0 {
		w.WriteHeader(s.status)
		return
	}
	var req envelope
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch req.Header.NameSpace + "/" + req.Header.NameAction {
	case "authorize.token/token":
		s.tokenRequests++
		var creds struct {
			APIKey    string `json:"api_key"`
			APISecret string `json:"api_secret"`
		}
		_ = json.Unmarshal(req.Payload, &creds)
		if creds.APIKey != s.key || creds.APISecret != s.secret {
			writeException(w, "AUTH_ERROR", "invalid api_key or api_secret")
			return
		}
		s.tokenSeq++
		s.token = "tok-" + strconv.Itoa(s.tokenSeq)
		writeJSON(w, map[string]any{
			"header": map[string]string{"nameSpace": "authorize.token", "name": "token", "version": "1.0"},
			"payload": map[string]string{
				"token":   s.token,
				"expires": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
			},
		})

	case "attendance.record/getrecord":
		var q Query
		_ = json.Unmarshal(req.Payload, &q)
		if req.Authorize != nil {
			q.Token = req.Authorize.Token
		}
		s.queries = append(s.queries, q)
		if s.alwaysExpire || s.token == "" || q.Token != s.token {
			writeException(w, "TOKEN_EXPIRES", "TOKEN_EXPIRES")
			return
		}
		writeJSON(w, map[string]any{
			"header":  map[string]string{"nameSpace": "attendance.record", "name": "record", "version": "1.0"},
			"payload": s.page(q),
		})

	default:
		writeException(w, "UNKNOWN_ACTION", req.Header.NameSpace)
	}
}

func (s *Server) page(q Query) map[string]any {
	begin, _ := anviz.ParseTime(q.BeginTime)
	end, _ := anviz.ParseTime(q.EndTime)

	var matched []punch
	for _, p := range s.punches {
		if !p.at.Before(begin) && !p.at.After(end) {
			matched = append(matched, p)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].at.Before(matched[j].at) })

	perPage, _ := strconv.Atoi(q.PerPage)
	if perPage <= 0 {
		perPage = 100
	}
	page, _ := strconv.Atoi(q.Page)
	if page <= 0 {
		page = 1
	}
	pageCount := (len(matched) + perPage - 1) / perPage

	list := []map[string]any{}
	for i := (page - 1) * perPage; i < len(matched) && i < page*perPage; i++ {
		p := matched[i]
		list = append(list, map[string]any{
			"employee":  map[string]any{"workno": p.badge},
			"checktype": p.checkType,
			"checktime": p.at.Format("2006-01-02T15:04:05-07:00"),
		})
	}
	return map[string]any{"count": len(matched), "pageCount": pageCount, "list": list}
}

func writeException(w http.ResponseWriter, kind, message string) {
	writeJSON(w, map[string]any{
		"header":  map[string]string{"nameSpace": "System", "name": "Exception"},
		"payload": map[string]string{"type": kind, "message": message},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(fmt.Sprintf("anviztest: encode response: %v", err))
	}
}
