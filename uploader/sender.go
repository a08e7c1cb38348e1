package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// progressEmitInterval is the number of bytes read between two progress callbacks.
const progressEmitInterval = 64 * 1024

// ProgressFunc receives the number of bytes of the current transfer sent so far.
type ProgressFunc func(sent int64)

// SendRequest describes one transfer of a byte range to a pre-signed URL.
type SendRequest struct {
	URL  UploadURL
	Body io.ReaderAt
	// Offset and Size select the byte range of Body to send.
	Offset int64
	Size   int64
	// Cancelled is checked before the transfer starts.
	Cancelled  func() bool
	OnProgress ProgressFunc
}

// Sender performs single HTTP transfers of byte ranges to pre-signed URLs.
type Sender struct {
	httpClient *http.Client
	timeout    time.Duration
}

// NewSender creates a Sender. A nil client falls back to DefaultHTTPClient and
// a zero timeout disables the per-transfer timeout.
func NewSender(httpClient *http.Client, timeout time.Duration) *Sender {
	if httpClient == nil {
		httpClient = DefaultHTTPClient()
	}
	return &Sender{httpClient: httpClient, timeout: timeout}
}

// Send uploads the requested byte range and returns the ETag of the stored data.
func (s *Sender) Send(ctx context.Context, r SendRequest) (string, error) {
	if r.Cancelled != nil && r.Cancelled() {
		return "", ErrCancelled
	}
	if ctx.Err() != nil {
		return "", fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
	if r.Size < 0 || r.Offset < 0 {
		return "", fmt.Errorf("%w: invalid range offset=%d size=%d", ErrInvalidInput, r.Offset, r.Size)
	}

	sendCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	method := r.URL.Method
	if method == "" {
		method = http.MethodPut
	}

	var body io.Reader = io.NewSectionReader(r.Body, r.Offset, r.Size)
	if r.OnProgress != nil {
		body = newProgressReader(body, r.Size, r.OnProgress)
	}

	req, err := http.NewRequestWithContext(sendCtx, method, r.URL.URL, body)
	if err != nil {
		return "", fmt.Errorf("%w: create request: %w", ErrInvalidInput, err)
	}
	for k, v := range r.URL.Headers {
		req.Header.Set(k, v)
	}
	req.ContentLength = r.Size
	if r.Size == 0 {
		req.Body = http.NoBody
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return "", fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		case errors.Is(sendCtx.Err(), context.DeadlineExceeded):
			return "", fmt.Errorf("%w: no response after %s: %w", ErrTimeout, s.timeout, err)
		default:
			return "", fmt.Errorf("%w: do request: %w", ErrNetwork, err)
		}
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errorBody := make([]byte, 1024)
		n, _ := io.ReadAtLeast(resp.Body, errorBody, 1)
		return "", fmt.Errorf("%w: %w", ErrProtocol, &HTTPStatusError{StatusCode: resp.StatusCode, Body: string(errorBody[:n])})
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	etag := resp.Header.Get("ETag")
	if etag == "" {
		return "", fmt.Errorf("%w: no ETag in response", ErrProtocol)
	}

	return etag, nil
}

// progressReader reports the number of bytes read every progressEmitInterval bytes
// and once the whole range has been read.
type progressReader struct {
	r        io.Reader
	total    int64
	read     int64
	lastEmit int64
	cb       ProgressFunc
}

func newProgressReader(r io.Reader, total int64, cb ProgressFunc) *progressReader {
	return &progressReader{r: r, total: total, cb: cb}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		if p.read-p.lastEmit >= progressEmitInterval || p.read >= p.total {
			p.lastEmit = p.read
			p.cb(p.read)
		}
	}
	return n, err
}
