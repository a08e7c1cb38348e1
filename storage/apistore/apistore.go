// Package apistore implements uploader.ObjectStore against an HTTP upload service that
// manages multipart uploads on behalf of its clients and hands out pre-signed URLs.
package apistore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bitrise-io/go-uploader/uploader"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

type initiateRequest struct {
	Key         string `json:"key"`
	ContentType string `json:"content_type,omitempty"`
}

type initiateResponse struct {
	UploadID string `json:"upload_id"`
}

type listPartsResponse struct {
	Parts []uploader.UploadedPart `json:"parts"`
}

type completeRequest struct {
	Key   string                   `json:"key"`
	Parts []uploader.CompletedPart `json:"parts"`
}

// Client is an uploader.ObjectStore talking to the upload service API.
type Client struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

// New creates a Client with a retrying HTTP client.
func New(baseURL, accessToken string, logger log.Logger) *Client {
	return NewWithHTTPClient(retryhttp.NewClient(logger), baseURL, accessToken, logger)
}

// NewWithHTTPClient creates a Client using the given HTTP client.
func NewWithHTTPClient(client *retryablehttp.Client, baseURL, accessToken string, logger log.Logger) *Client {
	return &Client{
		httpClient:  client,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		accessToken: accessToken,
		logger:      logger,
	}
}

// InitiateMultipartUpload asks the API to start a multipart upload and returns its ID.
func (c *Client) InitiateMultipartUpload(ctx context.Context, key, contentType string) (string, error) {
	var resp initiateResponse
	err := c.do(ctx, http.MethodPost, "/multipart-uploads", nil, initiateRequest{Key: key, ContentType: contentType}, http.StatusCreated, &resp)
	if err != nil {
		return "", fmt.Errorf("initiate upload: %w", err)
	}
	return resp.UploadID, nil
}

// GenerateUploadPartURL returns a pre-signed PUT request for one part.
func (c *Client) GenerateUploadPartURL(ctx context.Context, uploadID, key string, partNumber int) (uploader.UploadURL, error) {
	var resp uploader.UploadURL
	path := fmt.Sprintf("/multipart-uploads/%s/parts/%d/url", url.PathEscape(uploadID), partNumber)
	if err := c.do(ctx, http.MethodGet, path, keyQuery(key), nil, http.StatusOK, &resp); err != nil {
		return uploader.UploadURL{}, fmt.Errorf("get part %d url: %w", partNumber, err)
	}
	return resp, nil
}

// ListUploadedParts returns the parts the API already holds for an upload.
func (c *Client) ListUploadedParts(ctx context.Context, uploadID, key string) ([]uploader.UploadedPart, error) {
	var resp listPartsResponse
	path := fmt.Sprintf("/multipart-uploads/%s/parts", url.PathEscape(uploadID))
	if err := c.do(ctx, http.MethodGet, path, keyQuery(key), nil, http.StatusOK, &resp); err != nil {
		return nil, fmt.Errorf("list parts: %w", err)
	}
	return resp.Parts, nil
}

// CompleteMultipartUpload assembles the object from the given parts.
func (c *Client) CompleteMultipartUpload(ctx context.Context, uploadID, key string, parts []uploader.CompletedPart) (*uploader.CompletedUpload, error) {
	var resp uploader.CompletedUpload
	path := fmt.Sprintf("/multipart-uploads/%s/complete", url.PathEscape(uploadID))
	if err := c.do(ctx, http.MethodPost, path, nil, completeRequest{Key: key, Parts: parts}, http.StatusOK, &resp); err != nil {
		return nil, fmt.Errorf("complete upload: %w", err)
	}
	return &resp, nil
}

// AbortMultipartUpload discards an upload and its parts.
func (c *Client) AbortMultipartUpload(ctx context.Context, uploadID, key string) error {
	path := fmt.Sprintf("/multipart-uploads/%s", url.PathEscape(uploadID))
	if err := c.do(ctx, http.MethodDelete, path, keyQuery(key), nil, http.StatusNoContent, nil); err != nil {
		return fmt.Errorf("abort upload: %w", err)
	}
	return nil
}

// GetSingleShotUploadURL returns a pre-signed PUT request for the whole object.
func (c *Client) GetSingleShotUploadURL(ctx context.Context, key, contentType string) (uploader.UploadURL, error) {
	var resp uploader.UploadURL
	if err := c.do(ctx, http.MethodPost, "/upload-urls", nil, initiateRequest{Key: key, ContentType: contentType}, http.StatusOK, &resp); err != nil {
		return uploader.UploadURL{}, fmt.Errorf("get upload url: %w", err)
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, requestBody any, expectedStatus int, responseBody any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if requestBody != nil {
		data, err := json.Marshal(requestBody)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	if requestBody != nil {
		req.Header.Set("Content-type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode == http.StatusNotFound && strings.HasPrefix(path, "/multipart-uploads/") {
		return fmt.Errorf("%w: %w", uploader.ErrUploadNotFound, unwrapError(resp))
	}
	if resp.StatusCode != expectedStatus {
		return unwrapError(resp)
	}

	if responseBody == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(responseBody)
}

func keyQuery(key string) url.Values {
	return url.Values{"key": []string{key}}
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}
