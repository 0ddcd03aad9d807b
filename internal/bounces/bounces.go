// Package bounces loads the exclusion set from a bounce export: a CSV with a
// header row whose data rows start with the bounced address.
package bounces

import (
	"context"
	"encoding/csv"
	"errors"
	"io"

	"github.com/lattiq/batchmail/internal/core"
)

// Load reads every bounced address into a set. Empty and header-only input
// yields an empty set. Read failures are returned as *core.SourceReadError.
func Load(ctx context.Context, r io.Reader) (core.ExclusionSet, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.ReuseRecord = true

	set := core.NewExclusionSet()
	header := true

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return set, nil
		}

		// A single unparseable row only loses that address.
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			header = false
			continue
		}
		if err != nil {
			return nil, &core.SourceReadError{Source: "bounces", Cause: err}
		}

		if header {
			header = false
			continue
		}

		set.Add(record[0])
	}
}
