package batchmail

import (
	"context"

	"github.com/lattiq/batchmail/internal/recipients"
)

// RecipientList is a parsed send list: recipients in source order plus the
// rows that were skipped as malformed.
type RecipientList = recipients.Result

// Public interfaces for the batchmail library
type (
	// ExclusionSource loads the set of addresses that must not be sent to.
	// Run awaits it before reading the send list.
	ExclusionSource interface {
		LoadExclusions(ctx context.Context) (ExclusionSet, error)
	}

	// RecipientSource loads the send list.
	RecipientSource interface {
		LoadRecipients(ctx context.Context) (*RecipientList, error)
	}

	// FailureSink durably records failed sends. Append must be safe for
	// concurrent use and write each record as one complete line.
	FailureSink interface {
		Append(rec FailureRecord) error
	}

	// TemplateEngine defines the interface for local template rendering.
	TemplateEngine interface {
		// Render renders a template with the provided data.
		Render(templateName string, data interface{}) (string, error)

		// RegisterTemplate registers a template with the given name and content.
		RegisterTemplate(name string, content string) error

		// LoadTemplatesFromDir loads all templates from the specified directory.
		// A file <name>.html registers <name>.html, <name>.text registers <name>.text.
		LoadTemplatesFromDir(dir string) error
	}
)

// ExclusionFunc adapts a function to ExclusionSource.
type ExclusionFunc func(ctx context.Context) (ExclusionSet, error)

// LoadExclusions calls f(ctx).
func (f ExclusionFunc) LoadExclusions(ctx context.Context) (ExclusionSet, error) {
	return f(ctx)
}

// RecipientFunc adapts a function to RecipientSource.
type RecipientFunc func(ctx context.Context) (*RecipientList, error)

// LoadRecipients calls f(ctx).
func (f RecipientFunc) LoadRecipients(ctx context.Context) (*RecipientList, error) {
	return f(ctx)
}

// StaticExclusions returns a source that yields set.
func StaticExclusions(set ExclusionSet) ExclusionSource {
	return ExclusionFunc(func(context.Context) (ExclusionSet, error) {
		return set, nil
	})
}

// StaticRecipients returns a source that yields rs with no malformed rows.
func StaticRecipients(rs ...Recipient) RecipientSource {
	return RecipientFunc(func(context.Context) (*RecipientList, error) {
		return &RecipientList{Recipients: rs}, nil
	})
}
