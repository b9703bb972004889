package lifecycle

import (
	"strings"
	"time"

	"github.com/sfc-gh-agavic/lifecycle-policy/internal/catalog"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/domain"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/errors"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/filter"
)

// agingColumn is the date attribute policies age rows by.
const agingColumn = "transaction_date"

// defaultRetentionFloorDays guards policy creation when no floor is
// configured.
const defaultRetentionFloorDays = 90

// Spec is the caller-supplied policy definition. NewPolicy validates it
// into an immutable Policy.
type Spec struct {
	// Name identifies the policy in the catalog.
	Name string

	// Predicate optionally narrows the aging rule. When empty, rows age
	// by the sliding quarter boundary alone. When set, it must be an
	// expression over transaction_date that yields a fixed upper date
	// bound; a partition then cools only once both the sliding boundary
	// and that bound cover it.
	Predicate string

	// Tier is the target storage class. Only archive tiers are valid;
	// empty defaults to cool.
	Tier string

	// RetentionDays is how long a partition stays in the archive tier
	// before it expires. Must be at least the configured floor.
	RetentionDays int

	// Comment is a free-form description.
	Comment string
}

// Policy is a validated, immutable lifecycle rule. The zero value is
// not usable; construct with NewPolicy or FromStored.
type Policy struct {
	name          string
	predicate     string
	bound         time.Time // inclusive date ceiling from the predicate, zero when none
	tier          domain.Tier
	retentionDays int
	comment       string
}

// NewPolicy validates a spec and returns the policy value. floorDays is
// the minimum allowed retention; values <= 0 fall back to the default
// floor.
func NewPolicy(spec Spec, floorDays int) (Policy, error) {
	if floorDays <= 0 {
		floorDays = defaultRetentionFloorDays
	}

	v := errors.NewValidationErrors()

	if err := catalog.ValidateIdentifier(spec.Name); err != nil {
		v.Add(err)
	}

	tier := domain.TierCool
	if spec.Tier != "" {
		t, err := domain.ParseTier(strings.ToLower(spec.Tier))
		if err != nil {
			v.Add(errors.Wrapf(errors.ErrInvalidTier, "%q", spec.Tier))
		} else if !t.IsArchive() {
			v.Add(errors.Wrapf(errors.ErrInvalidTier, "%s is not an archive tier", t))
		} else {
			tier = t
		}
	}

	if spec.RetentionDays < floorDays {
		v.Add(errors.Wrapf(errors.ErrRetentionTooShort,
			"retention_days %d is below the %d day floor", spec.RetentionDays, floorDays))
	}

	var bound time.Time
	predicate := strings.TrimSpace(spec.Predicate)
	if predicate != "" {
		b, err := parseAgingPredicate(predicate)
		if err != nil {
			v.Add(err)
		}
		bound = b
	}

	if err := v.Err(); err != nil {
		return Policy{}, err
	}

	return Policy{
		name:          spec.Name,
		predicate:     predicate,
		bound:         bound,
		tier:          tier,
		retentionDays: spec.RetentionDays,
		comment:       spec.Comment,
	}, nil
}

// FromStored rebuilds the policy value from its catalog row. Stored
// policies passed NewPolicy when created, so the retention floor is not
// re-checked: raising the floor in config must not break loading
// policies created under the old one.
func FromStored(cp *catalog.Policy) (Policy, error) {
	tier := domain.TierCool
	if cp.Tier != "" {
		t, err := domain.ParseTier(strings.ToLower(cp.Tier))
		if err != nil {
			return Policy{}, errors.Wrapf(errors.ErrInvalidTier, "policy %s: %q", cp.Name, cp.Tier)
		}
		tier = t
	}

	var bound time.Time
	predicate := strings.TrimSpace(cp.Predicate)
	if predicate != "" {
		b, err := parseAgingPredicate(predicate)
		if err != nil {
			return Policy{}, errors.Wrapf(err, "policy %s", cp.Name)
		}
		bound = b
	}

	return Policy{
		name:          cp.Name,
		predicate:     predicate,
		bound:         bound,
		tier:          tier,
		retentionDays: cp.RetentionDays,
		comment:       cp.Comment,
	}, nil
}

// parseAgingPredicate validates predicate text for use in a policy and
// derives the inclusive date ceiling it admits. Policies age whole
// partitions, so the expression may only constrain transaction_date,
// and it must bound the date from above; anything else cannot be
// decided for every row of a partition at once.
func parseAgingPredicate(text string) (time.Time, error) {
	node, err := filter.Parse(text)
	if err != nil {
		return time.Time{}, err
	}
	if err := filter.Validate(node); err != nil {
		return time.Time{}, err
	}

	for _, col := range node.ReferencedColumns() {
		if col != agingColumn {
			return time.Time{}, errors.Wrapf(errors.ErrInvalidPredicate,
				"aging predicates may only reference %s, found %s", agingColumn, col)
		}
	}

	_, to := node.DateBounds(agingColumn)
	if to.IsZero() {
		return time.Time{}, errors.Wrapf(errors.ErrInvalidPredicate,
			"aging predicate must bound %s from above", agingColumn)
	}
	return to, nil
}

// Name returns the policy name.
func (p Policy) Name() string { return p.name }

// Predicate returns the predicate text, empty for the pure sliding
// rule.
func (p Policy) Predicate() string { return p.predicate }

// Tier returns the target storage class.
func (p Policy) Tier() domain.Tier { return p.tier }

// RetentionDays returns the archive retention in days.
func (p Policy) RetentionDays() int { return p.retentionDays }

// Comment returns the free-form description.
func (p Policy) Comment() string { return p.comment }

// Retention returns the archive retention as a duration.
func (p Policy) Retention() time.Duration {
	return time.Duration(p.retentionDays) * 24 * time.Hour
}

// Cutoff returns the exclusive aging cutoff at eval time: rows dated
// before it are aged under this policy. It is the sliding quarter
// boundary, pulled back to the predicate bound when one is set.
func (p Policy) Cutoff(eval time.Time) time.Time {
	cutoff := domain.AgingBoundary(eval)
	if !p.bound.IsZero() {
		if fixed := p.bound.AddDate(0, 0, 1); fixed.Before(cutoff) {
			cutoff = fixed
		}
	}
	return cutoff
}

// PartitionAged reports whether every possible row of quarter q is aged
// under this policy at eval time.
func (p Policy) PartitionAged(q domain.Quarter, eval time.Time) bool {
	return !q.End().After(p.Cutoff(eval))
}

// ExpireEligible reports whether a cooled partition has sat in the
// archive tier for at least the policy retention as of eval time.
func (p Policy) ExpireEligible(part *domain.Partition, eval time.Time) bool {
	if part.State != domain.StateCool || part.CooledAt == nil {
		return false
	}
	return part.TimeInCool(eval) >= p.Retention()
}

// Stored returns the catalog row form of the policy.
func (p Policy) Stored() *catalog.Policy {
	return &catalog.Policy{
		Name:          p.name,
		Predicate:     p.predicate,
		Tier:          p.tier.String(),
		RetentionDays: p.retentionDays,
		Comment:       p.comment,
	}
}
