package apistore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-uploader/uploader"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger := log.NewLogger()
	httpClient := retryhttp.NewClient(logger)
	httpClient.RetryWaitMin = time.Millisecond
	httpClient.RetryWaitMax = time.Millisecond
	return NewWithHTTPClient(httpClient, server.URL+"/", "token", logger)
}

func TestClient_InitiateMultipartUpload(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/multipart-uploads", r.URL.Path)
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))

		var req initiateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, initiateRequest{Key: "app.ipa", ContentType: "application/zip"}, req)

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"upload_id":"upload-1"}`))
	})

	id, err := client.InitiateMultipartUpload(context.Background(), "app.ipa", "application/zip")
	require.NoError(t, err)
	assert.Equal(t, "upload-1", id)
}

func TestClient_GenerateUploadPartURL(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/multipart-uploads/upload-1/parts/3/url", r.URL.Path)
		assert.Equal(t, "dir/app.ipa", r.URL.Query().Get("key"))
		_, _ = w.Write([]byte(`{"method":"PUT","url":"https://storage/part3","headers":{"x-amz-acl":"private"}}`))
	})

	u, err := client.GenerateUploadPartURL(context.Background(), "upload-1", "dir/app.ipa", 3)
	require.NoError(t, err)
	assert.Equal(t, uploader.UploadURL{
		Method:  http.MethodPut,
		URL:     "https://storage/part3",
		Headers: map[string]string{"x-amz-acl": "private"},
	}, u)
}

func TestClient_ListUploadedParts(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/multipart-uploads/upload-1/parts", r.URL.Path)
		_, _ = w.Write([]byte(`{"parts":[{"part_number":1,"etag":"\"a\"","size":8388608}]}`))
	})

	parts, err := client.ListUploadedParts(context.Background(), "upload-1", "app.ipa")
	require.NoError(t, err)
	assert.Equal(t, []uploader.UploadedPart{{PartNumber: 1, ETag: `"a"`, Size: 8 * uploader.MiB}}, parts)
}

func TestClient_UnknownUpload(t *testing.T) {
	var requests int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		http.Error(w, "upload not found", http.StatusNotFound)
	})

	_, err := client.ListUploadedParts(context.Background(), "gone", "app.ipa")
	require.ErrorIs(t, err, uploader.ErrUploadNotFound)
	assert.Contains(t, err.Error(), "HTTP 404")

	err = client.AbortMultipartUpload(context.Background(), "gone", "app.ipa")
	require.ErrorIs(t, err, uploader.ErrUploadNotFound)
	assert.Equal(t, int32(2), atomic.LoadInt32(&requests))
}

func TestClient_CompleteMultipartUpload(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/multipart-uploads/upload-1/complete", r.URL.Path)

		var req completeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "app.ipa", req.Key)
		assert.Equal(t, []uploader.CompletedPart{{PartNumber: 1, ETag: "a"}, {PartNumber: 2, ETag: "b"}}, req.Parts)

		_, _ = w.Write([]byte(`{"key":"app.ipa","etag":"ab-2","location":"https://storage/app.ipa"}`))
	})

	result, err := client.CompleteMultipartUpload(context.Background(), "upload-1", "app.ipa", []uploader.CompletedPart{
		{PartNumber: 1, ETag: "a"},
		{PartNumber: 2, ETag: "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://storage/app.ipa", result.Location)
}

func TestClient_AbortMultipartUpload(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/multipart-uploads/upload-1", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, client.AbortMultipartUpload(context.Background(), "upload-1", "app.ipa"))
}

func TestClient_GetSingleShotUploadURL(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/upload-urls", r.URL.Path)
		_, _ = w.Write([]byte(`{"method":"PUT","url":"https://storage/object"}`))
	})

	u, err := client.GetSingleShotUploadURL(context.Background(), "report.json", "application/json")
	require.NoError(t, err)
	assert.Equal(t, "https://storage/object", u.URL)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var requests int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"upload_id":"upload-1"}`))
	})

	id, err := client.InitiateMultipartUpload(context.Background(), "app.ipa", "")
	require.NoError(t, err)
	assert.Equal(t, "upload-1", id)
	assert.Equal(t, int32(2), atomic.LoadInt32(&requests))
}

func TestClient_UnexpectedStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	})

	_, err := client.InitiateMultipartUpload(context.Background(), "app.ipa", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 403")
	assert.NotErrorIs(t, err, uploader.ErrUploadNotFound)
}
