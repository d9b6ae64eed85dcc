// Package sink models the downstream side of a queue table: dependent
// materialized views and the insert pipelines that feed their target tables.
// The queue only streams while at least one dependent view is attached,
// materialized and has a resolvable target.
package sink

import (
	"context"

	"github.com/withObsrvr/blobqueue/internal/format"
)

// View is a dependent view of a queue table.
type View struct {
	Name         string
	TargetTable  string
	Materialized bool
}

// Catalog resolves table dependencies, playing the role of the database
// catalog the engine consults before every streaming tick.
type Catalog interface {
	// DependentViews returns the views attached to the given table.
	DependentViews(table string) []View

	// Resolve returns the inserter for a view's target table, or false when
	// the target is missing (dropped or not yet created).
	Resolve(view View) (Inserter, bool)
}

// Inserter opens insert pipelines into one target table.
type Inserter interface {
	Begin(ctx context.Context, schema format.Schema) (Pipeline, error)
}

// Pipeline is a single streaming insert. Write may be called from multiple
// workers; Close commits the downstream batch. There is no rollback: the
// coordinator commit, not the sink, is the source of truth for progress.
type Pipeline interface {
	Write(ctx context.Context, rows []format.Row) error
	Close(ctx context.Context) error
}

// StaticCatalog is a fixed view topology built from configuration, for
// deployments without a live database catalog.
type StaticCatalog struct {
	views   map[string][]View
	targets map[string]Inserter
}

func NewStaticCatalog() *StaticCatalog {
	return &StaticCatalog{
		views:   make(map[string][]View),
		targets: make(map[string]Inserter),
	}
}

// Attach wires a view from a source table to a target inserter.
func (c *StaticCatalog) Attach(sourceTable string, view View, target Inserter) {
	c.views[sourceTable] = append(c.views[sourceTable], view)
	c.targets[view.TargetTable] = target
}

func (c *StaticCatalog) DependentViews(table string) []View {
	return c.views[table]
}

func (c *StaticCatalog) Resolve(view View) (Inserter, bool) {
	ins, ok := c.targets[view.TargetTable]
	return ins, ok
}

// fanout feeds several pipelines from one stream of rows.
type fanout struct {
	pipelines []Pipeline
}

// NewFanout combines pipelines so one worker write reaches every dependent
// view's target.
func NewFanout(pipelines []Pipeline) Pipeline {
	return &fanout{pipelines: pipelines}
}

func (f *fanout) Write(ctx context.Context, rows []format.Row) error {
	for _, p := range f.pipelines {
		if err := p.Write(ctx, rows); err != nil {
			return err
		}
	}
	return nil
}

func (f *fanout) Close(ctx context.Context) error {
	var firstErr error
	for _, p := range f.pipelines {
		if err := p.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
