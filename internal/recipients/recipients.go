// Package recipients parses the send list: a CSV with a header row followed by
// "email,unsubscribeId" rows.
//
// Malformed rows (wrong field count, empty email) are skipped and reported in
// Result.Malformed rather than failing the run. Blank lines are ignored.
package recipients

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/lattiq/batchmail/internal/core"
)

const fieldsPerRecord = 2

// Result is the parsed send list.
type Result struct {
	// Recipients in source order.
	Recipients []core.Recipient

	// Malformed holds one entry per skipped row.
	Malformed []*core.MalformedRecordError
}

// Parse reads the whole list. A read failure is returned as *core.SourceReadError;
// per-row problems never are.
func Parse(ctx context.Context, r io.Reader) (*Result, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.LazyQuotes = true
	reader.ReuseRecord = true

	result := &Result{}
	header := true

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			if header {
				header = false
				continue
			}
			result.Malformed = append(result.Malformed, &core.MalformedRecordError{
				Line:   parseErr.Line,
				Reason: parseErr.Err.Error(),
			})
			continue
		}
		if err != nil {
			return nil, &core.SourceReadError{Source: "recipients", Cause: err}
		}

		if header {
			header = false
			continue
		}

		line, _ := reader.FieldPos(0)
		if len(record) != fieldsPerRecord {
			result.Malformed = append(result.Malformed, &core.MalformedRecordError{
				Line:   line,
				Reason: fmt.Sprintf("expected %d fields, got %d", fieldsPerRecord, len(record)),
			})
			continue
		}

		email := strings.TrimSpace(record[0])
		if email == "" {
			result.Malformed = append(result.Malformed, &core.MalformedRecordError{
				Line:   line,
				Reason: "empty email",
			})
			continue
		}

		result.Recipients = append(result.Recipients, core.Recipient{
			Email:         email,
			UnsubscribeID: strings.TrimSpace(record[1]),
		})
	}

	return result, nil
}
