package test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/ipni/go-sectioncache/apierror"
	"github.com/ipni/go-sectioncache/content/model"
)

const contentPrefix = "/content"

// ContentServer is an in-process content API for tests. Records are kept in
// an in-memory datastore. Every request is counted, and responses can be
// delayed or made to fail.
type ContentServer struct {
	*httptest.Server

	ds datastore.Batching

	mu         sync.Mutex
	calls      map[string]int
	delay      time.Duration
	failStatus int
	nextID     int
	now        func() time.Time
}

// NewContentServer starts a content API server holding the given records.
func NewContentServer(records ...*model.Record) *ContentServer {
	s := &ContentServer{
		ds:    dssync.MutexWrap(datastore.NewMapDatastore()),
		calls: make(map[string]int),
		now:   time.Now,
	}
	s.Seed(records...)

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+contentPrefix, s.handleList)
	mux.HandleFunc("GET "+contentPrefix+"/{section}", s.handleGet)
	mux.HandleFunc("PUT "+contentPrefix+"/{section}", s.handlePut)
	mux.HandleFunc("DELETE "+contentPrefix+"/{section}", s.handleDelete)
	s.Server = httptest.NewServer(s.intercept(mux))
	return s
}

// Seed stores records as given. Records without an ID are assigned one.
func (s *ContentServer) Seed(records ...*model.Record) {
	for _, rec := range records {
		r := *rec
		if r.ID == "" {
			r.ID = s.newID()
		}
		data, err := json.Marshal(&r)
		if err != nil {
			panic(err)
		}
		s.SetRaw(r.Section, data)
	}
}

// SetRaw stores data as the body for section without validating it.
func (s *ContentServer) SetRaw(section string, data []byte) {
	err := s.ds.Put(context.Background(), sectionKey(section), data)
	if err != nil {
		panic(err)
	}
}

// Remove deletes a section from the server without counting a request.
func (s *ContentServer) Remove(section string) {
	_ = s.ds.Delete(context.Background(), sectionKey(section))
}

// SetDelay makes every response wait d before being written.
func (s *ContentServer) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

// SetFailure makes every request fail with status. A status of 0 restores
// normal operation.
func (s *ContentServer) SetFailure(status int) {
	s.mu.Lock()
	s.failStatus = status
	s.mu.Unlock()
}

// Calls returns the number of requests received for method and path, for
// example Calls(http.MethodGet, "/content/hero").
func (s *ContentServer) Calls(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method+" "+path]
}

// TotalCalls returns the number of requests received.
func (s *ContentServer) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, c := range s.calls {
		n += c
	}
	return n
}

func (s *ContentServer) intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[r.Method+" "+r.URL.Path]++
		delay := s.delay
		failStatus := s.failStatus
		s.mu.Unlock()

		if delay != 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-r.Context().Done():
				timer.Stop()
				return
			}
		}
		if failStatus != 0 {
			apierror.WriteError(w, errors.New("injected failure"), failStatus)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *ContentServer) handleList(w http.ResponseWriter, r *http.Request) {
	results, err := s.ds.Query(r.Context(), query.Query{
		Prefix: contentPrefix,
		Orders: []query.Order{query.OrderByKey{}},
	})
	if err != nil {
		apierror.WriteError(w, err, http.StatusInternalServerError)
		return
	}
	entries, err := results.Rest()
	if err != nil {
		apierror.WriteError(w, err, http.StatusInternalServerError)
		return
	}
	raws := make([]json.RawMessage, len(entries))
	for i := range entries {
		raws[i] = entries[i].Value
	}
	writeJSON(w, http.StatusOK, raws)
}

func (s *ContentServer) handleGet(w http.ResponseWriter, r *http.Request) {
	section := r.PathValue("section")
	data, err := s.ds.Get(r.Context(), sectionKey(section))
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			apierror.WriteError(w, fmt.Errorf("section %q not found", section), http.StatusNotFound)
			return
		}
		apierror.WriteError(w, err, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *ContentServer) handlePut(w http.ResponseWriter, r *http.Request) {
	section := r.PathValue("section")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		apierror.WriteError(w, err, http.StatusBadRequest)
		return
	}
	rec, err := model.UnmarshalRecord(body)
	if err != nil {
		apierror.WriteError(w, err, http.StatusBadRequest)
		return
	}
	if rec.Section != section {
		apierror.WriteError(w, errors.New("section in body does not match path"), http.StatusBadRequest)
		return
	}

	status := http.StatusOK
	existing, err := s.ds.Get(r.Context(), sectionKey(section))
	switch {
	case errors.Is(err, datastore.ErrNotFound):
		status = http.StatusCreated
		rec.ID = s.newID()
	case err != nil:
		apierror.WriteError(w, err, http.StatusInternalServerError)
		return
	default:
		var old model.Record
		if json.Unmarshal(existing, &old) == nil && old.ID != "" {
			rec.ID = old.ID
		} else {
			rec.ID = s.newID()
		}
	}
	rec.UpdatedAt = s.now().UTC()

	data, err := json.Marshal(rec)
	if err != nil {
		apierror.WriteError(w, err, http.StatusInternalServerError)
		return
	}
	if err = s.ds.Put(r.Context(), sectionKey(section), data); err != nil {
		apierror.WriteError(w, err, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (s *ContentServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	section := r.PathValue("section")
	key := sectionKey(section)
	has, err := s.ds.Has(r.Context(), key)
	if err != nil {
		apierror.WriteError(w, err, http.StatusInternalServerError)
		return
	}
	if !has {
		apierror.WriteError(w, fmt.Errorf("section %q not found", section), http.StatusNotFound)
		return
	}
	if err = s.ds.Delete(r.Context(), key); err != nil {
		apierror.WriteError(w, err, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *ContentServer) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return strconv.Itoa(s.nextID)
}

func sectionKey(section string) datastore.Key {
	return datastore.NewKey(contentPrefix).ChildString(section)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		apierror.WriteError(w, err, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
