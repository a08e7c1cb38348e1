package uploader

import (
	"fmt"
	"io"
	"os"

	"github.com/gabriel-vasile/mimetype"
)

// Source is the content of an upload. Parts read disjoint ranges of it concurrently.
type Source interface {
	io.ReaderAt
	Size() int64
	ContentType() string
}

// FileSource is a Source backed by a local file.
type FileSource struct {
	file        *os.File
	size        int64
	contentType string
}

// OpenFile opens the file at path for uploading and detects its content type.
func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s is a directory", ErrInvalidInput, path)
	}

	mtype, err := mimetype.DetectReader(io.NewSectionReader(f, 0, info.Size()))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("detect content type of %s: %w", path, err)
	}

	return &FileSource{file: f, size: info.Size(), contentType: mtype.String()}, nil
}

// ReadAt reads len(p) bytes of the file starting at off.
func (s *FileSource) ReadAt(p []byte, off int64) (int, error) {
	return s.file.ReadAt(p, off)
}

// Size returns the file size captured when it was opened.
func (s *FileSource) Size() int64 {
	return s.size
}

// ContentType returns the detected MIME type of the file.
func (s *FileSource) ContentType() string {
	return s.contentType
}

// Name returns the path the source was opened from.
func (s *FileSource) Name() string {
	return s.file.Name()
}

// Close closes the underlying file.
func (s *FileSource) Close() error {
	return s.file.Close()
}

// BytesSource is a Source over an in-memory buffer.
type BytesSource struct {
	data        []byte
	contentType string
}

// NewBytesSource creates a Source over data. An empty contentType is detected from the data.
func NewBytesSource(data []byte, contentType string) *BytesSource {
	if contentType == "" {
		contentType = mimetype.Detect(data).String()
	}
	return &BytesSource{data: data, contentType: contentType}
}

// ReadAt copies the bytes at off into p.
func (s *BytesSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset", ErrInvalidInput)
	}
	if off >= int64(len(s.data)) {
		return 0, io.EOF
	}
	n := copy(p, s.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Size returns the length of the data.
func (s *BytesSource) Size() int64 {
	return int64(len(s.data))
}

// ContentType returns the given or detected MIME type.
func (s *BytesSource) ContentType() string {
	return s.contentType
}
