// Package memstore implements an in-memory object store that serves its own
// pre-signed URLs over HTTP.
package memstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"sync"

	"github.com/bitrise-io/go-uploader/uploader"
	"github.com/google/uuid"
)

// PutHook is called for every PUT before the body is stored. A non-zero status
// rejects the request with that status.
type PutHook func(r *http.Request, uploadID string, partNumber int) int

type storedPart struct {
	etag string
	data []byte
}

type multipartUpload struct {
	key         string
	contentType string
	parts       map[int]storedPart
}

// Store is an in-memory uploader.ObjectStore.
type Store struct {
	mu        sync.Mutex
	onPut     PutHook
	omitETag  bool
	baseURL   string
	uploads   map[string]*multipartUpload
	objects   map[string][]byte
	completed map[string][]uploader.CompletedPart
	aborted   []string
	puts      map[int]int
	initiated int

	server *httptest.Server
}

// Start creates a Store and an HTTP server for its pre-signed URLs.
func Start() *Store {
	s := &Store{
		uploads:   map[string]*multipartUpload{},
		objects:   map[string][]byte{},
		completed: map[string][]uploader.CompletedPart{},
		puts:      map[int]int{},
	}
	s.server = httptest.NewServer(s.handler())
	s.baseURL = s.server.URL
	return s
}

// Close shuts down the HTTP server.
func (s *Store) Close() {
	s.server.Close()
}

// Client returns an HTTP client for the server.
func (s *Store) Client() *http.Client {
	return s.server.Client()
}

// InitiateMultipartUpload registers a new upload under a random ID.
func (s *Store) InitiateMultipartUpload(_ context.Context, key, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	s.uploads[id] = &multipartUpload{key: key, contentType: contentType, parts: map[int]storedPart{}}
	s.initiated++
	return id, nil
}

// GenerateUploadPartURL returns a URL on the test server for one part.
func (s *Store) GenerateUploadPartURL(_ context.Context, uploadID, key string, partNumber int) (uploader.UploadURL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.upload(uploadID, key); err != nil {
		return uploader.UploadURL{}, err
	}
	return uploader.UploadURL{
		Method: http.MethodPut,
		URL:    fmt.Sprintf("%s/uploads/%s/parts/%d", s.baseURL, uploadID, partNumber),
	}, nil
}

// ListUploadedParts returns the stored parts of an upload ordered by number.
func (s *Store) ListUploadedParts(_ context.Context, uploadID, key string) ([]uploader.UploadedPart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.upload(uploadID, key)
	if err != nil {
		return nil, err
	}

	parts := make([]uploader.UploadedPart, 0, len(u.parts))
	for n, p := range u.parts {
		parts = append(parts, uploader.UploadedPart{PartNumber: n, ETag: p.etag, Size: int64(len(p.data))})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

// CompleteMultipartUpload checks the part list against the stored parts and joins them into an object.
func (s *Store) CompleteMultipartUpload(_ context.Context, uploadID, key string, parts []uploader.CompletedPart) (*uploader.CompletedUpload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.upload(uploadID, key)
	if err != nil {
		return nil, err
	}

	var object []byte
	etags := md5.New()
	for i, p := range parts {
		if i > 0 && p.PartNumber <= parts[i-1].PartNumber {
			return nil, fmt.Errorf("parts are not in ascending order at part %d", p.PartNumber)
		}
		stored, ok := u.parts[p.PartNumber]
		if !ok {
			return nil, fmt.Errorf("part %d was not uploaded", p.PartNumber)
		}
		if stored.etag != p.ETag {
			return nil, fmt.Errorf("part %d: etag mismatch", p.PartNumber)
		}
		object = append(object, stored.data...)
		etags.Write([]byte(stored.etag)) //nolint:errcheck
	}

	s.objects[key] = object
	s.completed[uploadID] = append([]uploader.CompletedPart(nil), parts...)
	delete(s.uploads, uploadID)

	return &uploader.CompletedUpload{
		Key:      key,
		ETag:     fmt.Sprintf(`"%s-%d"`, hex.EncodeToString(etags.Sum(nil)), len(parts)),
		Location: s.baseURL + "/objects/" + url.PathEscape(key),
	}, nil
}

// AbortMultipartUpload drops an upload and records its ID.
func (s *Store) AbortMultipartUpload(_ context.Context, uploadID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.upload(uploadID, key); err != nil {
		return err
	}
	delete(s.uploads, uploadID)
	s.aborted = append(s.aborted, uploadID)
	return nil
}

// GetSingleShotUploadURL returns a URL on the test server for the whole object.
func (s *Store) GetSingleShotUploadURL(_ context.Context, key, contentType string) (uploader.UploadURL, error) {
	return uploader.UploadURL{
		Method:  http.MethodPut,
		URL:     s.baseURL + "/objects/" + url.PathEscape(key),
		Headers: map[string]string{"Content-Type": contentType},
	}, nil
}

// OnPut sets a hook called for every part and object PUT.
func (s *Store) OnPut(hook PutHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPut = hook
}

// OmitETag makes the server answer PUTs without an ETag header.
func (s *Store) OmitETag(omit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omitETag = omit
}

// AddPart stores a part for an upload as if it had been uploaded earlier.
func (s *Store) AddPart(uploadID string, partNumber int, data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	etag := etagOf(data)
	s.uploads[uploadID].parts[partNumber] = storedPart{etag: etag, data: append([]byte(nil), data...)}
	return etag
}

// Object returns a stored object.
func (s *Store) Object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	return data, ok
}

// CompletedParts returns the part list an upload was completed with.
func (s *Store) CompletedParts(uploadID string) []uploader.CompletedPart {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed[uploadID]
}

// Aborted returns the IDs of aborted uploads.
func (s *Store) Aborted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.aborted...)
}

// Puts returns how many times a part number was PUT. Part 0 counts single-shot uploads.
func (s *Store) Puts(partNumber int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts[partNumber]
}

// Initiated returns the number of multipart uploads created.
func (s *Store) Initiated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initiated
}

// Open reports whether an upload is neither completed nor aborted.
func (s *Store) Open(uploadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.uploads[uploadID]
	return ok
}

func (s *Store) upload(uploadID, key string) (*multipartUpload, error) {
	u, ok := s.uploads[uploadID]
	if !ok || u.key != key {
		return nil, fmt.Errorf("upload %s: %w", uploadID, uploader.ErrUploadNotFound)
	}
	return u, nil
}

func (s *Store) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /uploads/{id}/parts/{number}", s.putPart)
	mux.HandleFunc("PUT /objects/{key...}", s.putObject)
	return mux
}

func (s *Store) putPart(w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("id")
	number, err := strconv.Atoi(r.PathValue("number"))
	if err != nil {
		http.Error(w, "invalid part number", http.StatusBadRequest)
		return
	}

	data, ok := s.receive(w, r, uploadID, number)
	if !ok {
		return
	}

	s.mu.Lock()
	u, found := s.uploads[uploadID]
	if !found {
		s.mu.Unlock()
		http.Error(w, "NoSuchUpload", http.StatusNotFound)
		return
	}
	etag := etagOf(data)
	u.parts[number] = storedPart{etag: etag, data: data}
	s.mu.Unlock()

	s.respond(w, etag)
}

func (s *Store) putObject(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	data, ok := s.receive(w, r, "", 0)
	if !ok {
		return
	}

	s.mu.Lock()
	s.objects[key] = data
	s.mu.Unlock()

	s.respond(w, etagOf(data))
}

func (s *Store) receive(w http.ResponseWriter, r *http.Request, uploadID string, number int) ([]byte, bool) {
	s.mu.Lock()
	s.puts[number]++
	hook := s.onPut
	s.mu.Unlock()

	if hook != nil {
		if status := hook(r, uploadID, number); status != 0 {
			_, _ = io.Copy(io.Discard, r.Body)
			http.Error(w, http.StatusText(status), status)
			return nil, false
		}
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	if r.ContentLength >= 0 && int64(len(data)) != r.ContentLength {
		http.Error(w, "incomplete body", http.StatusBadRequest)
		return nil, false
	}
	return data, true
}

func (s *Store) respond(w http.ResponseWriter, etag string) {
	s.mu.Lock()
	omit := s.omitETag
	s.mu.Unlock()

	if !omit {
		w.Header().Set("ETag", etag)
	}
	w.WriteHeader(http.StatusOK)
}

func etagOf(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}
