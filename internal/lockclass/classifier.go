// Package lockclass implements the LockClassifier (spec §4.1): it maps a
// planned Operation to the PostgreSQL lock level it takes, and answers
// compatibility/conflict queries over the standard lock matrix. The
// classification table below mirrors, kind-for-kind, the operation→lock
// registry in the teacher's internal/analyzer/registry.go, adapted from
// "classify a parsed SQL statement" to "classify a planned Operation".
package lockclass

import "github.com/nnaka2992/wesley/internal/model"

// BlockingPotential summarizes what a lock level prevents other backends
// from doing while it is held.
type BlockingPotential struct {
	BlocksReads  bool
	BlocksWrites bool
	BlocksDDL    bool
}

// blockingTable is derived directly from the PostgreSQL lock compatibility
// matrix: a lock level blocks reads only once it conflicts with
// AccessShare, blocks writes once it conflicts with RowExclusive, and
// blocks DDL once it conflicts with AccessExclusive (which every lock
// level does, AccessShare included, since AccessExclusive conflicts with
// everything).
func blockingPotentialFor(level model.LockLevel) BlockingPotential {
	return BlockingPotential{
		BlocksReads:  conflicts(level, model.AccessShare),
		BlocksWrites: conflicts(level, model.RowExclusive),
		BlocksDDL:    conflicts(level, model.AccessExclusive),
	}
}

// BlockingPotential implements the LockClassifier.blockingPotential
// contract.
func BlockingPotentialOf(level model.LockLevel) BlockingPotential {
	return blockingPotentialFor(level)
}

// compatMatrix[a][b] is true iff lock levels a and b may be held
// concurrently on the same relation by two different transactions. This is
// PostgreSQL's published lock conflict table (§13.3 "Explicit Locking").
var compatMatrix = buildCompatMatrix()

func buildCompatMatrix() map[model.LockLevel]map[model.LockLevel]bool {
	// conflictsWith lists, for each level, the levels it conflicts with.
	// AccessShare conflicts only with AccessExclusive.
	// AccessExclusive conflicts with everything (including itself).
	conflictsWith := map[model.LockLevel][]model.LockLevel{
		model.AccessShare: {model.AccessExclusive},
		model.RowShare: {
			model.Exclusive, model.AccessExclusive,
		},
		model.RowExclusive: {
			model.Share, model.ShareRowExclusive, model.Exclusive, model.AccessExclusive,
		},
		model.ShareUpdateExclusive: {
			model.ShareUpdateExclusive, model.Share, model.ShareRowExclusive,
			model.Exclusive, model.AccessExclusive,
		},
		model.Share: {
			model.RowExclusive, model.ShareUpdateExclusive, model.ShareRowExclusive,
			model.Exclusive, model.AccessExclusive,
		},
		model.ShareRowExclusive: {
			model.RowExclusive, model.ShareUpdateExclusive, model.Share,
			model.ShareRowExclusive, model.Exclusive, model.AccessExclusive,
		},
		model.Exclusive: {
			model.RowShare, model.RowExclusive, model.ShareUpdateExclusive, model.Share,
			model.ShareRowExclusive, model.Exclusive, model.AccessExclusive,
		},
		model.AccessExclusive: {
			model.AccessShare, model.RowShare, model.RowExclusive, model.ShareUpdateExclusive,
			model.Share, model.ShareRowExclusive, model.Exclusive, model.AccessExclusive,
		},
	}

	levels := []model.LockLevel{
		model.AccessShare, model.RowShare, model.RowExclusive, model.ShareUpdateExclusive,
		model.Share, model.ShareRowExclusive, model.Exclusive, model.AccessExclusive,
	}

	m := make(map[model.LockLevel]map[model.LockLevel]bool, len(levels))
	for _, a := range levels {
		m[a] = make(map[model.LockLevel]bool, len(levels))
		for _, b := range levels {
			m[a][b] = true
		}
	}
	for a, conflicting := range conflictsWith {
		for _, b := range conflicting {
			m[a][b] = false
			m[b][a] = false
		}
	}
	return m
}

// Conflicts reports whether lock levels a and b are incompatible: true
// means the pair cannot both be held on the same relation at once.
func Conflicts(a, b model.LockLevel) bool {
	return conflicts(a, b)
}

func conflicts(a, b model.LockLevel) bool {
	row, ok := compatMatrix[a]
	if !ok {
		return true
	}
	compatible, ok := row[b]
	if !ok {
		return true
	}
	return !compatible
}

// Classifier implements the LockClassifier contract from spec §4.1.
type Classifier struct{}

// New returns a Classifier. It is stateless and safe for concurrent use.
func New() *Classifier { return &Classifier{} }

// Classify maps an operation to the PostgreSQL lock level it takes,
// mirroring the teacher's registry.go table but keyed by Operation.Kind
// and Attributes instead of a parsed SQL operation string.
func (c *Classifier) Classify(op model.Operation) model.LockLevel {
	switch op.Kind {
	case model.KindAddIndex, model.KindAddUnique:
		if op.Attributes.Concurrently {
			return model.ShareUpdateExclusive
		}
		if len(op.Attributes.Columns) == 1 {
			// Non-unique single-column index without CONCURRENTLY still
			// takes SHARE (blocks writes, not reads or other DDL readers).
			return model.Share
		}
		return model.Share
	case model.KindAddForeignKey:
		if op.Attributes.NotValid {
			return model.ShareRowExclusive
		}
		return model.AccessExclusive
	case model.KindValidateConstraint:
		return model.ShareUpdateExclusive
	case model.KindAddColumn:
		if op.Attributes.DefaultExpr == "" {
			return model.AccessExclusive
		}
		// Constant defaults (PG11+) and volatile defaults both take
		// ACCESS EXCLUSIVE; the difference is duration, not lock level
		// (spec §4.1) — volatile defaults additionally require a
		// table rewrite, captured by the rewriter rather than the level.
		return model.AccessExclusive
	case model.KindSetNotNull:
		if op.Attributes.NotValid {
			// The rewritten first step only adds a NOT VALID CHECK
			// constraint backing the eventual SET NOT NULL; it takes the
			// same lock as any other unvalidated constraint add.
			return model.ShareRowExclusive
		}
		return model.AccessExclusive
	case model.KindDropColumn, model.KindDropTable, model.KindDropConstraint,
		model.KindAlterColumnType, model.KindRenameTable, model.KindRenameColumn:
		return model.AccessExclusive
	case model.KindCreateTable, model.KindCreateView:
		return model.AccessExclusive
	case model.KindBackfill:
		return model.RowExclusive
	default:
		return model.AccessExclusive
	}
}

// Conflicts reports whether two operations, if run concurrently against a
// shared resource, would take conflicting locks.
func (c *Classifier) Conflicts(a, b model.Operation) bool {
	return conflicts(c.Classify(a), c.Classify(b))
}

// BlockingPotential reports what a classified lock level prevents.
func (c *Classifier) BlockingPotential(level model.LockLevel) BlockingPotential {
	return blockingPotentialFor(level)
}
