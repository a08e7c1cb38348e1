// Package uploader provides a resumable multipart file uploader for S3 compatible storage.
// Parts are uploaded concurrently through short-lived pre-signed URLs, progress is tracked on
// committed parts only, and future chunk sizes adapt to the observed throughput.
package uploader

import (
	"context"
	"sort"
)

// Status is the lifecycle state of an upload session.
type Status string

// Session statuses.
const (
	StatusIdle      Status = "idle"
	StatusUploading Status = "uploading"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// Strategy is the upload path chosen for a source.
type Strategy string

// Upload strategies.
const (
	StrategySingle    Strategy = "single"
	StrategyMultipart Strategy = "multipart"
)

// UploadURL represents a signed URL for uploading a single part or a whole object.
type UploadURL struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

// Part is a contiguous byte range [Start, End) of the source. Committed and ETag are
// set once the object store accepted the part.
type Part struct {
	Number    int
	Start     int64
	End       int64
	Committed bool
	ETag      string
}

// Size returns the number of bytes in the part.
func (p Part) Size() int64 {
	return p.End - p.Start
}

// UploadedPart is a part the object store already has recorded for an upload.
type UploadedPart struct {
	PartNumber int    `json:"part_number"`
	ETag       string `json:"etag"`
	Size       int64  `json:"size"`
}

// CompletedPart is the (ETag, part number) pair required to finalize an upload.
type CompletedPart struct {
	PartNumber int    `json:"part_number"`
	ETag       string `json:"etag"`
}

// CompletedUpload describes the object created by CompleteMultipartUpload.
type CompletedUpload struct {
	Key      string `json:"key"`
	ETag     string `json:"etag"`
	Location string `json:"location"`
}

// ObjectStore is the object-storage API the uploader drives.
type ObjectStore interface {
	// InitiateMultipartUpload starts a multipart upload and returns its identifier.
	InitiateMultipartUpload(ctx context.Context, key, contentType string) (string, error)

	// GenerateUploadPartURL returns a pre-signed URL for one part of an upload.
	GenerateUploadPartURL(ctx context.Context, uploadID, key string, partNumber int) (UploadURL, error)

	// ListUploadedParts returns the parts already committed for an upload.
	// Implementations return ErrUploadNotFound when the upload is unknown.
	ListUploadedParts(ctx context.Context, uploadID, key string) ([]UploadedPart, error)

	// CompleteMultipartUpload combines the given parts, ordered by part number.
	CompleteMultipartUpload(ctx context.Context, uploadID, key string, parts []CompletedPart) (*CompletedUpload, error)

	// AbortMultipartUpload releases the server side resources of an upload.
	AbortMultipartUpload(ctx context.Context, uploadID, key string) error

	// GetSingleShotUploadURL returns a pre-signed URL for uploading a whole object at once.
	GetSingleShotUploadURL(ctx context.Context, key, contentType string) (UploadURL, error)
}

// committedIndex maps part numbers to the parts committed for the current session.
type committedIndex map[int]UploadedPart

func (c committedIndex) bytes() int64 {
	var total int64
	for _, p := range c {
		total += p.Size
	}
	return total
}

// sorted returns the completion list ordered by part number.
func (c committedIndex) sorted() []CompletedPart {
	parts := make([]CompletedPart, 0, len(c))
	for _, p := range c {
		parts = append(parts, CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag})
	}
	sort.Slice(parts, func(i, j int) bool {
		return parts[i].PartNumber < parts[j].PartNumber
	})
	return parts
}
