// Package retrieval restores archived rows into new tables.
//
// A restore is planned purely from catalog state: the predicate's
// derivable transaction-date window prunes COOL partitions, and the
// estimate prices the scan by files and bytes touched. Execution scans
// the pruned partitions' parquet files with DuckDB and re-materializes
// the matching rows through the archive writer into the destination
// table's own hot partitions. The destination is independent: no
// binding, no link back to the source beyond its restored_from tag.
package retrieval

import (
	"time"

	"github.com/sfc-gh-agavic/lifecycle-policy/config"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/catalog"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/domain"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/errors"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/filter"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/metering"
)

// dateColumn is the partition-pruning column.
const dateColumn = "transaction_date"

// Request describes one archive retrieval.
type Request struct {
	// Source is the archived table to read.
	Source string

	// Destination is the new table to create. It must not exist.
	Destination string

	// Predicate selects the rows to restore. Required: under a cost
	// model priced by files touched, an unfiltered restore of a whole
	// archive is never what the caller meant.
	Predicate string
}

// PartitionEstimate is the planned contribution of one COOL partition.
type PartitionEstimate struct {
	Quarter domain.Quarter
	Files   int
	Bytes   int64
	Rows    int64
}

// Estimate is a restore plan derived from catalog state alone.
// Repeated planning with no data change yields the same estimate.
type Estimate struct {
	Source      string
	Destination string

	// Predicate is the canonical text form of the parsed predicate.
	Predicate string

	// From/To is the inclusive transaction-date window derived from
	// the predicate. Zero endpoints are unbounded.
	From time.Time
	To   time.Time

	Partitions []PartitionEstimate

	// Files and Bytes are what the scan will touch and therefore what
	// the restore costs. Rows is informational: the summed partition
	// row counts, an upper bound on what the predicate can match.
	Files int
	Bytes int64
	Rows  int64

	// Credits prices the scan with the configured linear model.
	Credits float64

	// Duration bounds how long the fetch may take.
	Duration time.Duration
}

// Planner builds restore estimates.
type Planner struct {
	cat   *catalog.Store
	rates metering.Rates
}

// NewPlanner creates a planner pricing restores at the given rates.
func NewPlanner(cat *catalog.Store, rates metering.Rates) *Planner {
	return &Planner{cat: cat, rates: rates}
}

// Plan validates the request and prices the restore. It reads only the
// catalog and touches no data files. The returned node is the parsed
// predicate, ready for compilation by the executor.
func (p *Planner) Plan(req Request) (*Estimate, *filter.Node, error) {
	if _, err := p.cat.GetTable(req.Source); err != nil {
		return nil, nil, err
	}

	if err := catalog.ValidateIdentifier(req.Destination); err != nil {
		return nil, nil, errors.Wrap(err, "destination")
	}
	exists, err := p.cat.TableExists(req.Destination)
	if err != nil {
		return nil, nil, err
	}
	if exists {
		return nil, nil, errors.Wrapf(errors.ErrTableAlreadyExists, "destination table %s", req.Destination)
	}

	node, err := filter.Parse(req.Predicate)
	if err != nil {
		return nil, nil, err
	}
	if err := filter.Validate(node); err != nil {
		return nil, nil, err
	}
	if len(node.ReferencedColumns()) == 0 {
		return nil, nil, errors.Wrap(errors.ErrPredicateRequired, "predicate references no columns")
	}

	from, to := node.DateBounds(dateColumn)

	parts, err := p.cat.ListPartitions(req.Source)
	if err != nil {
		return nil, nil, err
	}

	est := &Estimate{
		Source:      req.Source,
		Destination: req.Destination,
		Predicate:   node.String(),
		From:        from,
		To:          to,
	}
	for _, part := range parts {
		if part.State != domain.StateCool {
			continue
		}
		if !part.OverlapsDateRange(from, to) {
			continue
		}
		est.Partitions = append(est.Partitions, PartitionEstimate{
			Quarter: part.Quarter,
			Files:   part.Files,
			Bytes:   part.Bytes,
			Rows:    part.Rows,
		})
		est.Files += part.Files
		est.Bytes += part.Bytes
		est.Rows += part.Rows
	}

	est.Credits = p.rates.Cost(est.Files, est.Bytes)
	est.Duration = fetchBound(est.Files)

	return est, node, nil
}

// fetchBound is the planning-time duration bound: a fixed per-file
// fetch estimate, capped at the archive tier's retrieval ceiling.
func fetchBound(files int) time.Duration {
	d := time.Duration(files) * config.FileFetchEstimate
	if max := domain.TierCool.MaxRetrievalDuration(); d > max {
		return max
	}
	return d
}
