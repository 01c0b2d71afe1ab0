package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"libraryrecords/internal/ratelimit"
	"libraryrecords/internal/util"
	"libraryrecords/pkg/domain"
	"libraryrecords/services/library/internal/app"
)

const (
	maxBodyBytes       = 1 << 20
	defaultEventsLimit = 20
	maxEventsLimit     = 100
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// WriteLimiter is optional; when set it guards every mutating endpoint.
	WriteLimiter   *ratelimit.FixedWindowLimiter
	TrustedProxies *util.TrustedProxies
}

// Server exposes the library REST API.
type Server struct {
	app     *app.App
	limiter *ratelimit.FixedWindowLimiter
	trusted *util.TrustedProxies
	mux     *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	s := &Server{
		app:     cfg.App,
		limiter: cfg.WriteLimiter,
		trusted: cfg.TrustedProxies,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	methods := []string{http.MethodGet, http.MethodPost, http.MethodPut}
	return util.WithRequestID(
		util.WithRequestLog("library", s.trusted,
			util.WithSecurityHeaders(util.WithCORS(methods, s.mux))))
}

// Route is one served operation. Path parameters are written as {name}.
type Route struct {
	Method string
	Path   string
}

type route struct {
	Route
	handle func(*Server, http.ResponseWriter, *http.Request)
}

var routeTable = []route{
	{Route{http.MethodGet, "/"}, (*Server).handleRoot},
	{Route{http.MethodGet, "/healthz"}, (*Server).handleHealth},
	{Route{http.MethodGet, "/user/all/"}, (*Server).handleListUsers},
	{Route{http.MethodPost, "/user/create/"}, (*Server).handleCreateUser},
	{Route{http.MethodGet, "/user/{user_id}/"}, (*Server).handleGetUser},
	{Route{http.MethodGet, "/book/all/"}, (*Server).handleListBooks},
	{Route{http.MethodPost, "/book/create/"}, (*Server).handleCreateBook},
	{Route{http.MethodGet, "/book/{book_id}/"}, (*Server).handleGetBook},
	{Route{http.MethodPut, "/book/{book_id}/details/"}, (*Server).handleBookDetails},
	{Route{http.MethodPost, "/borrowed-books/borrow/"}, (*Server).handleBorrow},
	{Route{http.MethodPut, "/borrowed-books/return/"}, (*Server).handleReturn},
	{Route{http.MethodGet, "/borrowed-books/all/"}, (*Server).handleListBorrows},
	{Route{http.MethodGet, "/borrowed-books/events/"}, (*Server).handleEvents},
}

// Routes lists every operation the server answers.
func Routes() []Route {
	out := make([]Route, 0, len(routeTable))
	for _, rt := range routeTable {
		out = append(out, rt.Route)
	}
	return out
}

func (s *Server) routes() {
	s.mux.HandleFunc("/", s.dispatch)
}

// dispatch picks the route whose path matches with the fewest parameters, so
// /user/all/ wins over /user/{user_id}/. A path match with no route for the
// method is a 405.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r.URL.Path)
	best := -1
	var (
		found  *route
		values map[string]string
	)
	for i := range routeTable {
		rt := &routeTable[i]
		params, ok := matchPath(rt.Path, segments)
		if !ok || (best >= 0 && len(params) > best) {
			continue
		}
		if best < 0 || len(params) < best {
			best, found = len(params), nil
		}
		if rt.Method == r.Method {
			found, values = rt, params
		}
	}
	switch {
	case best < 0:
		notFound(w, "not found")
	case found == nil:
		methodNotAllowed(w)
	default:
		for name, value := range values {
			r.SetPathValue(name, value)
		}
		found.handle(s, w, r)
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"detail": "Welcome to Library Management System."})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.app.ListUsers(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(users))
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if !s.allowWrite(w, r) {
		return
	}
	var req createUserRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.MembershipDate == nil {
		writeError(w, http.StatusBadRequest, "membership_date is required")
		return
	}
	user, err := s.app.CreateUser(r.Context(), app.UserInput{
		Name:           req.Name,
		Email:          req.Email,
		MembershipDate: *req.MembershipDate,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r.PathValue("user_id"), "user id")
	if !ok {
		return
	}
	user, err := s.app.GetUser(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := s.app.ListBooks(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(books))
}

func (s *Server) handleCreateBook(w http.ResponseWriter, r *http.Request) {
	if !s.allowWrite(w, r) {
		return
	}
	var req createBookRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.PublishedDate == nil {
		writeError(w, http.StatusBadRequest, "published_date is required")
		return
	}
	book, err := s.app.CreateBook(r.Context(), app.BookInput{
		Title:         req.Title,
		ISBN:          req.ISBN,
		PublishedDate: *req.PublishedDate,
		Genre:         req.Genre,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r.PathValue("book_id"), "book id")
	if !ok {
		return
	}
	book, err := s.app.GetBook(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) handleBookDetails(w http.ResponseWriter, r *http.Request) {
	bookID, ok := parseID(w, r.PathValue("book_id"), "book id")
	if !ok {
		return
	}
	if !s.allowWrite(w, r) {
		return
	}
	var req detailsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	details, err := s.app.UpdateBookDetails(r.Context(), bookID, app.DetailsInput{
		NumberOfPages: req.NumberOfPages,
		Publisher:     req.Publisher,
		Language:      req.Language,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *Server) handleListBorrows(w http.ResponseWriter, r *http.Request) {
	recs, err := s.app.ListBorrows(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(recs))
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	if !s.allowWrite(w, r) {
		return
	}
	userID, bookID, ok := parsePair(w, r)
	if !ok {
		return
	}
	rec, err := s.app.BorrowBook(r.Context(), userID, bookID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	util.LoggerFromContext(r.Context()).Info("book borrowed",
		"borrow_id", rec.ID, "user_id", userID, "book_id", bookID)
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleReturn(w http.ResponseWriter, r *http.Request) {
	if !s.allowWrite(w, r) {
		return
	}
	userID, bookID, ok := parsePair(w, r)
	if !ok {
		return
	}
	rec, err := s.app.ReturnBook(r.Context(), userID, bookID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	util.LoggerFromContext(r.Context()).Info("book returned",
		"borrow_id", rec.ID, "user_id", userID, "book_id", bookID)
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventsLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventsLimit)
	}
	evts, err := s.app.RecentEvents(r.Context(), limit)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": evts,
		"count": len(evts),
	})
}

type createUserRequest struct {
	Name           string       `json:"name"`
	Email          string       `json:"email"`
	MembershipDate *domain.Date `json:"membership_date"`
}

type createBookRequest struct {
	Title         string       `json:"title"`
	ISBN          string       `json:"isbn"`
	PublishedDate *domain.Date `json:"published_date"`
	Genre         string       `json:"genre"`
}

// Omitted and null fields both clear the stored value.
type detailsRequest struct {
	NumberOfPages *int    `json:"number_of_pages"`
	Publisher     *string `json:"publisher"`
	Language      *string `json:"language"`
}

func (s *Server) allowWrite(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	key := r.URL.Path + "|" + util.ClientIP(r, s.trusted)
	if s.limiter.Allow(r.Context(), key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, "too many requests")
	return false
}

func pathSegments(path string) []string {
	rest := strings.Trim(path, "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

// matchPath reports whether segments fit pattern and returns the values bound
// to its {name} placeholders.
func matchPath(pattern string, segments []string) (map[string]string, bool) {
	want := pathSegments(pattern)
	if len(want) != len(segments) {
		return nil, false
	}
	params := map[string]string{}
	for i, seg := range want {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			if segments[i] == "" {
				return nil, false
			}
			params[strings.Trim(seg, "{}")] = segments[i]
			continue
		}
		if seg != segments[i] {
			return nil, false
		}
	}
	return params, true
}

func parseID(w http.ResponseWriter, raw, field string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s %q", field, raw))
		return 0, false
	}
	return id, true
}

func parsePair(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	q := r.URL.Query()
	userID, ok := parseID(w, q.Get("user_id"), "user_id")
	if !ok {
		return 0, 0, false
	}
	bookID, ok := parseID(w, q.Get("book_id"), "book_id")
	if !ok {
		return 0, 0, false
	}
	return userID, bookID, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// nonNil keeps empty collections encoded as [] rather than null.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}
