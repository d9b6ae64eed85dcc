package sink

import (
	"context"
	"sync"

	"github.com/withObsrvr/blobqueue/internal/format"
)

// MemoryCatalog is an in-process catalog and table set. It backs tests and
// local runs where the downstream database is not wired.
type MemoryCatalog struct {
	mu     sync.Mutex
	views  map[string][]View          // source table -> views
	tables map[string]*MemoryInserter // target table -> inserter
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		views:  make(map[string][]View),
		tables: make(map[string]*MemoryInserter),
	}
}

// AttachView registers a view on a source table and creates its target.
func (c *MemoryCatalog) AttachView(sourceTable string, view View) *MemoryInserter {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.views[sourceTable] = append(c.views[sourceTable], view)
	ins, ok := c.tables[view.TargetTable]
	if !ok {
		ins = &MemoryInserter{}
		c.tables[view.TargetTable] = ins
	}
	return ins
}

// DetachViews removes all views from a source table.
func (c *MemoryCatalog) DetachViews(sourceTable string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.views, sourceTable)
}

// DropTarget removes a target table, making its views unresolvable.
func (c *MemoryCatalog) DropTarget(table string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tables, table)
}

func (c *MemoryCatalog) DependentViews(table string) []View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]View(nil), c.views[table]...)
}

func (c *MemoryCatalog) Resolve(view View) (Inserter, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ins, ok := c.tables[view.TargetTable]
	return ins, ok
}

// MemoryInserter accumulates rows in memory. FailNext makes the next pipeline
// Close fail, which tests use to exercise the insert-failure commit path.
type MemoryInserter struct {
	mu       sync.Mutex
	rows     []format.Row
	failNext error
}

func (m *MemoryInserter) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// Rows returns a copy of everything inserted so far.
func (m *MemoryInserter) Rows() []format.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]format.Row(nil), m.rows...)
}

func (m *MemoryInserter) Begin(ctx context.Context, schema format.Schema) (Pipeline, error) {
	return &memoryPipeline{sink: m}, nil
}

type memoryPipeline struct {
	sink *MemoryInserter
	mu   sync.Mutex
	rows []format.Row
}

func (p *memoryPipeline) Write(ctx context.Context, rows []format.Row) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rows = append(p.rows, rows...)
	return nil
}

func (p *memoryPipeline) Close(ctx context.Context) error {
	p.sink.mu.Lock()
	defer p.sink.mu.Unlock()
	if err := p.sink.failNext; err != nil {
		p.sink.failNext = nil
		return err
	}
	p.sink.rows = append(p.sink.rows, p.rows...)
	return nil
}
