package format

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

type csvFormat struct{}

func (csvFormat) Name() string { return "CSV" }

func (csvFormat) NewRowReader(r io.Reader, schema Schema) (RowReader, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(schema.Columns)
	cr.ReuseRecord = true
	return &csvRowReader{reader: cr, schema: schema}, nil
}

type csvRowReader struct {
	reader *csv.Reader
	schema Schema
}

func (c *csvRowReader) Read() (Row, error) {
	record, err := c.reader.Read()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("csv: %w", err)
	}
	row := make(Row, len(record))
	for i, col := range c.schema.Columns {
		row[col.Name] = convertCSVField(record[i], col.Type)
	}
	return row, nil
}

func (c *csvRowReader) Close() error { return nil }

// convertCSVField coerces a raw field into the declared column type. Values
// that fail to parse stay strings so a single bad cell fails at the sink with
// a diagnosable value rather than dropping the row here.
func convertCSVField(raw, typ string) any {
	switch typ {
	case "Int64", "Int32", "Int16", "Int8":
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return v
		}
	case "UInt64", "UInt32", "UInt16", "UInt8":
		if v, err := strconv.ParseUint(raw, 10, 64); err == nil {
			return v
		}
	case "Float64", "Float32":
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return v
		}
	case "Bool":
		if v, err := strconv.ParseBool(raw); err == nil {
			return v
		}
	}
	return raw
}
