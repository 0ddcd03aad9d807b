package batchmail

import (
	"context"
	"errors"

	"github.com/lattiq/batchmail/internal/bounces"
	"github.com/lattiq/batchmail/internal/failures"
	"github.com/lattiq/batchmail/internal/recipients"
	"github.com/lattiq/batchmail/internal/storage"
)

// FileSource reads a CSV list from a local path or an s3://bucket/key URL.
// It implements both ExclusionSource and RecipientSource; which one applies
// depends on how it is passed to Run.
type FileSource struct {
	Location string
	opener   *storage.Opener
}

// NewFileSource creates a source for location. region is only used for s3:// locations.
func NewFileSource(location, region string) *FileSource {
	return &FileSource{Location: location, opener: storage.NewOpener(region)}
}

// NewFileSourceWithOpener creates a source that opens location through opener.
func NewFileSourceWithOpener(location string, opener *storage.Opener) *FileSource {
	return &FileSource{Location: location, opener: opener}
}

// LoadExclusions reads the location as a bounce list.
func (s *FileSource) LoadExclusions(ctx context.Context) (ExclusionSet, error) {
	rc, err := s.opener.Open(ctx, s.Location)
	if err != nil {
		return nil, &SourceReadError{Source: "bounces", Path: s.Location, Cause: err}
	}
	defer rc.Close()

	set, err := bounces.Load(ctx, rc)
	if err != nil {
		return nil, withPath(err, s.Location)
	}
	return set, nil
}

// LoadRecipients reads the location as a send list.
func (s *FileSource) LoadRecipients(ctx context.Context) (*RecipientList, error) {
	rc, err := s.opener.Open(ctx, s.Location)
	if err != nil {
		return nil, &SourceReadError{Source: "recipients", Path: s.Location, Cause: err}
	}
	defer rc.Close()

	list, err := recipients.Parse(ctx, rc)
	if err != nil {
		return nil, withPath(err, s.Location)
	}
	return list, nil
}

func withPath(err error, path string) error {
	var sre *SourceReadError
	if errors.As(err, &sre) && sre.Path == "" {
		sre.Path = path
	}
	return err
}

// OpenFailureSink creates (or truncates) the failure file at path and writes
// its header. The caller must Close it once the run has completed.
func OpenFailureSink(path string) (*failures.Sink, error) {
	return failures.Open(path)
}
