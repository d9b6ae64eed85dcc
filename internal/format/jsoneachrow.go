package format

import (
	"encoding/json"
	"fmt"
	"io"
)

// jsonEachRowFormat parses newline-delimited JSON objects, one row per line.
type jsonEachRowFormat struct{}

func (jsonEachRowFormat) Name() string { return "JSONEachRow" }

func (jsonEachRowFormat) NewRowReader(r io.Reader, schema Schema) (RowReader, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	return &jsonRowReader{dec: dec, schema: schema}, nil
}

type jsonRowReader struct {
	dec    *json.Decoder
	schema Schema
}

func (j *jsonRowReader) Read() (Row, error) {
	var raw map[string]any
	if err := j.dec.Decode(&raw); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("jsoneachrow: %w", err)
	}
	row := make(Row, len(j.schema.Columns))
	for _, col := range j.schema.Columns {
		if v, ok := raw[col.Name]; ok {
			row[col.Name] = v
		}
	}
	return row, nil
}

func (j *jsonRowReader) Close() error { return nil }
