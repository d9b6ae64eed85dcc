package format

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/parquet-go/parquet-go"
)

// parquetFormat reads Parquet objects. Parquet needs random access to the
// footer, so the whole object is buffered in memory before parsing. Nothing
// limits the size of that buffer: commit thresholds only stop workers from
// pulling further files.
type parquetFormat struct{}

func (parquetFormat) Name() string { return "Parquet" }

func (parquetFormat) NewRowReader(r io.Reader, schema Schema) (RowReader, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("parquet: buffer object: %w", err)
	}
	file, err := parquet.OpenFile(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return nil, fmt.Errorf("parquet: open: %w", err)
	}

	// Map leaf column index -> requested column name.
	names := make([]string, len(file.Schema().Columns()))
	wanted := make(map[string]bool, len(schema.Columns))
	for _, c := range schema.Columns {
		wanted[c.Name] = true
	}
	for i, colPath := range file.Schema().Columns() {
		name := strings.Join(colPath, ".")
		if wanted[name] {
			names[i] = name
		}
	}

	var rows []parquet.Rows
	for _, rg := range file.RowGroups() {
		rows = append(rows, rg.Rows())
	}
	return &parquetRowReader{groups: rows, names: names}, nil
}

type parquetRowReader struct {
	groups []parquet.Rows
	names  []string
	buf    [1]parquet.Row
}

func (p *parquetRowReader) Read() (Row, error) {
	for len(p.groups) > 0 {
		n, err := p.groups[0].ReadRows(p.buf[:])
		if n > 0 {
			return p.convert(p.buf[0]), nil
		}
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("parquet: read row: %w", err)
		}
		_ = p.groups[0].Close()
		p.groups = p.groups[1:]
	}
	return nil, io.EOF
}

func (p *parquetRowReader) convert(prow parquet.Row) Row {
	row := make(Row)
	for _, v := range prow {
		col := v.Column()
		if col < 0 || col >= len(p.names) || p.names[col] == "" {
			continue
		}
		row[p.names[col]] = parquetValue(v)
	}
	return row
}

func parquetValue(v parquet.Value) any {
	if v.IsNull() {
		return nil
	}
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32:
		return int64(v.Int32())
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Double:
		return v.Double()
	default:
		return v.String()
	}
}

func (p *parquetRowReader) Close() error {
	for _, g := range p.groups {
		_ = g.Close()
	}
	p.groups = nil
	return nil
}
