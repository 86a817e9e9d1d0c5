package recipients

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ParseCSV reads recipient addresses from a CSV with a header row containing an
// "Email" column (case-insensitive). Other columns are ignored; rows with a
// wrong field count or an empty address are skipped.
//
// maxRows limits how many addresses a file may carry; a longer file is
// rejected rather than cut short.
func ParseCSV(r io.Reader, maxRows int) ([]string, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("csv is empty")
		}
		return nil, err
	}

	emailIdx := -1
	for i, h := range headers {
		if strings.EqualFold(strings.TrimSpace(h), "email") {
			emailIdx = i
			break
		}
	}
	if emailIdx == -1 {
		return nil, errors.New("csv must contain an Email column")
	}

	if maxRows <= 0 {
		maxRows = 10000
	}

	addrs := make([]string, 0)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(record) != len(headers) {
			// skip malformed row
			continue
		}

		email := strings.TrimSpace(record[emailIdx])
		if email == "" {
			continue
		}
		if len(addrs) == maxRows {
			return nil, fmt.Errorf("csv has more than %d rows", maxRows)
		}
		addrs = append(addrs, email)
	}

	if len(addrs) == 0 {
		return nil, errors.New("csv must contain at least one data row")
	}

	return addrs, nil
}
