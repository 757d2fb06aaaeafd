package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/brandon/mailhub/internal/email"
	"github.com/brandon/mailhub/pkg/types"
)

type ctxKey int

const accountKey ctxKey = iota

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// AccountInfo is an account in list responses.
type AccountInfo struct {
	ID              int64         `json:"id"`
	Name            string        `json:"name"`
	Email           string        `json:"email"`
	Backend         types.Backend `json:"backend"`
	InitialSyncedAt string        `json:"initial_synced_at,omitempty"`
}

// FlagsRequest adds and removes normalized flags.
type FlagsRequest struct {
	Add    []string `json:"add"`
	Remove []string `json:"remove"`
}

// BackendRequest switches the account's backend.
type BackendRequest struct {
	Backend types.Backend `json:"backend"`
}

// SearchResponse holds ranked search hits.
type SearchResponse struct {
	Query   string               `json:"query"`
	Count   int                  `json:"count"`
	Results []types.SearchResult `json:"results"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// errorStatus maps a classified error onto an HTTP status and error code.
func errorStatus(err error) (int, string) {
	var e *types.Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError, "internal_error"
	}
	switch e.Kind {
	case types.KindAuthExpired:
		return http.StatusUnauthorized, "reauth_required"
	case types.KindConfiguration:
		return http.StatusConflict, e.Kind.String()
	case types.KindNotFound:
		return http.StatusNotFound, e.Kind.String()
	case types.KindValidation:
		return http.StatusBadRequest, e.Kind.String()
	case types.KindProviderUnavailable:
		return http.StatusServiceUnavailable, e.Kind.String()
	default:
		return http.StatusBadGateway, e.Kind.String()
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	entry := s.logger.WithError(err).WithField("path", r.URL.Path)
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}
	writeJSON(w, status, ErrorResponse{Error: code, Message: err.Error()})
}

func badRequest(format string, args ...any) error {
	return types.Errorf(types.KindValidation, "parse request", format, args...)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.accounts.ListAccounts(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]AccountInfo, 0, len(accounts))
	for _, a := range accounts {
		info := AccountInfo{ID: a.ID, Name: a.Name, Email: a.Email, Backend: a.Backend}
		if a.InitialSyncedAt != nil {
			info.InitialSyncedAt = a.InitialSyncedAt.UTC().Format("2006-01-02T15:04:05Z")
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": out})
}

// accountMiddleware resolves {account} by numeric id or by name.
func (s *Server) accountMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ref := chi.URLParam(r, "account")
		var (
			acc *types.Account
			err error
		)
		if id, perr := strconv.ParseInt(ref, 10, 64); perr == nil {
			acc, err = s.accounts.GetAccount(r.Context(), id)
		} else {
			acc, err = s.accounts.GetAccountByName(r.Context(), ref)
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), accountKey, acc)))
	})
}

func accountFrom(r *http.Request) *types.Account {
	acc, _ := r.Context().Value(accountKey).(*types.Account)
	return acc
}

func (s *Server) provider(r *http.Request) (*types.Account, email.Provider, error) {
	acc := accountFrom(r)
	p, err := s.mail.Provider(r.Context(), acc.ID)
	if err != nil {
		return nil, nil, err
	}
	return acc, p, nil
}

func (s *Server) handleListMailboxes(w http.ResponseWriter, r *http.Request) {
	_, p, err := s.provider(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	boxes, err := p.ListMailboxes(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"mailboxes": boxes})
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, badRequest("%s must be an integer", name)
	}
	return n, nil
}

func queryBool(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, badRequest("%s must be a boolean", name)
	}
	return b, nil
}

func listOptions(r *http.Request, defPageSize int) (email.ListOptions, error) {
	q := r.URL.Query()
	opts := email.ListOptions{
		Mailbox:   q.Get("mailbox"),
		PageToken: q.Get("page_token"),
		Search:    q.Get("q"),
	}
	var err error
	if opts.PageSize, err = queryInt(r, "page_size", defPageSize); err != nil {
		return opts, err
	}
	if opts.Page, err = queryInt(r, "page", 0); err != nil {
		return opts, err
	}
	if opts.ForceRefresh, err = queryBool(r, "refresh"); err != nil {
		return opts, err
	}
	return opts, nil
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r, s.opts.DefaultPageSize)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	_, p, err := s.provider(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	page, err := p.ListMessages(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	_, p, err := s.provider(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	msg, err := p.GetMessage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req email.SendRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	acc, p, err := s.provider(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := p.SendMessage(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.WithField("account", acc.Name).WithField("remote_id", res.RemoteID).Info("Message sent")
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleFlags(w http.ResponseWriter, r *http.Request) {
	var req FlagsRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	_, p, err := s.provider(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := p.ModifyFlags(r.Context(), chi.URLParam(r, "id"), req.Add, req.Remove); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTrash(w http.ResponseWriter, r *http.Request) {
	_, p, err := s.provider(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := p.Trash(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	_, p, err := s.provider(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := p.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAttachment(w http.ResponseWriter, r *http.Request) {
	_, p, err := s.provider(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	att, err := p.GetAttachment(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "attachmentID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, att)
}

// cachedEmailID maps a message id of the URL to its cache row. IMAP accounts
// address messages by cache id, Gmail accounts by remote id.
func (s *Server) cachedEmailID(ctx context.Context, acc *types.Account, id string) (int64, error) {
	if acc.Backend == types.BackendRemoteAPI {
		msg, err := s.accounts.GetByRemoteID(ctx, acc.ID, id)
		if err != nil {
			return 0, err
		}
		return msg.ID, nil
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, badRequest("malformed message id %q", id)
	}
	return n, nil
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if s.summaries == nil {
		s.writeError(w, r, types.Errorf(types.KindConfiguration, "summarize", "summaries are not configured"))
		return
	}
	regenerate, err := queryBool(r, "regenerate")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	acc := accountFrom(r)
	emailID, err := s.cachedEmailID(r.Context(), acc, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sum, err := s.summaries.Summarize(r.Context(), acc.ID, emailID, regenerate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	limit, err := queryInt(r, "limit", s.opts.SearchLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	acc := accountFrom(r)
	results, err := s.search.Search(r.Context(), acc.ID, query, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if results == nil {
		results = []types.SearchResult{}
	}
	writeJSON(w, http.StatusOK, SearchResponse{Query: query, Count: len(results), Results: results})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	acc := accountFrom(r)
	n, err := s.mail.InitialSync(r.Context(), acc.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"account": acc.Name, "synced": n})
}

func (s *Server) handleSwitchBackend(w http.ResponseWriter, r *http.Request) {
	var req BackendRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !req.Backend.Valid() {
		s.writeError(w, r, badRequest("unknown backend %q", req.Backend))
		return
	}
	acc := accountFrom(r)
	if err := s.mail.SwitchBackend(r.Context(), acc.ID, req.Backend); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"account": acc.Name, "backend": req.Backend})
}
