package rewriter

import (
	"fmt"
	"strings"

	"github.com/nnaka2992/wesley/internal/lockclass"
	"github.com/nnaka2992/wesley/internal/model"
)

// directSQL generates the literal SQL for an operation that needs no
// multi-step rewrite, along with the phase it belongs in.
func directSQL(op model.Operation) ([]string, model.Phase, error) {
	target := lockclass.QuoteIdentifier(op.Target)
	switch op.Kind {
	case model.KindCreateTable:
		return []string{fmt.Sprintf("-- create_table %s: schema body supplied by caller", target)}, model.PhaseTransactional, nil
	case model.KindDropTable:
		return []string{fmt.Sprintf("DROP TABLE %s", target)}, model.PhaseTransactional, nil
	case model.KindDropColumn:
		col := lockclass.QuoteIdentifier(op.IndexOrConstraint)
		return []string{fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", target, col)}, model.PhaseTransactional, nil
	case model.KindDropConstraint:
		name := lockclass.QuoteIdentifier(op.IndexOrConstraint)
		return []string{fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s", target, name)}, model.PhaseTransactional, nil
	case model.KindCreateView:
		return []string{fmt.Sprintf("-- create_view %s: definition supplied by caller", target)}, model.PhaseTransactional, nil
	case model.KindBackfill:
		return []string{fmt.Sprintf("-- backfill %s: batch statements produced by BatchOptimizer", target)}, model.PhaseTransactional, nil
	case model.KindValidateConstraint:
		name := lockclass.QuoteIdentifier(op.IndexOrConstraint)
		return []string{fmt.Sprintf("ALTER TABLE %s VALIDATE CONSTRAINT %s", target, name)}, model.PhaseValidation, nil
	case model.KindRenameColumn:
		old := lockclass.QuoteIdentifier(op.IndexOrConstraint)
		next := lockclass.QuoteIdentifier(op.Attributes.NewName)
		return []string{fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s", target, old, next)}, model.PhaseTransactional, nil
	case model.KindRenameTable:
		next := lockclass.QuoteIdentifier(op.Attributes.NewName)
		return []string{fmt.Sprintf("ALTER TABLE %s RENAME TO %s", target, next)}, model.PhaseTransactional, nil
	default:
		return nil, "", fmt.Errorf("rewriter: no direct SQL generator for kind %q", op.Kind)
	}
}

// rewriteAddIndex covers add_index and add_unique (spec §4.2): a plain
// CREATE INDEX takes SHARE and blocks writes for the build's duration;
// CONCURRENTLY avoids that at the cost of two index-scan passes and no
// transactional wrapping, so the rewritten operation is always marked
// non-transactional and Concurrently is forced true.
func (r *Rewriter) rewriteAddIndex(op model.Operation) ([]model.Operation, error) {
	indexName := op.Attributes.IndexName
	if indexName == "" {
		indexName = op.IndexOrConstraint
	}
	if indexName == "" {
		indexName = fmt.Sprintf("%s_%s_idx", op.Target, strings.Join(op.Attributes.Columns, "_"))
	}

	out := op.Clone()
	out.Attributes.Concurrently = true
	out.Attributes.IndexName = indexName
	out.IndexOrConstraint = indexName
	out.PhaseHint = model.PhaseNonTransactional

	unique := ""
	if op.Kind == model.KindAddUnique {
		unique = "UNIQUE "
	}
	cols := quoteList(op.Attributes.Columns)
	stmt := fmt.Sprintf(
		"CREATE %sINDEX CONCURRENTLY %s ON %s (%s)",
		unique, lockclass.QuoteIdentifier(indexName), lockclass.QuoteIdentifier(op.Target), cols,
	)
	out.Statements = []string{stmt}

	if op.Kind != model.KindAddUnique {
		if err := validateSQL(out.Statements); err != nil {
			return nil, err
		}
		return []model.Operation{out}, nil
	}

	// add_unique: the concurrently-built index only becomes a constraint
	// once attached with ADD CONSTRAINT ... UNIQUE USING INDEX, which
	// takes ACCESS EXCLUSIVE but is near-instant since the index already
	// exists (spec §4.2).
	indexStep := out
	indexStep.ID = r.idSeq(op.ID, 1)
	indexStep.GeneratedBy = op.ID

	constraintName := op.Attributes.ConstraintName
	if constraintName == "" {
		constraintName = indexName + "_uniq"
	}
	attachStep := op.Clone()
	attachStep.ID = r.idSeq(op.ID, 2)
	attachStep.GeneratedBy = op.ID
	attachStep.Kind = model.KindAddUnique
	attachStep.IndexOrConstraint = constraintName
	attachStep.Attributes.ConstraintName = constraintName
	attachStep.PhaseHint = model.PhaseTransactional
	attachStep.Statements = []string{fmt.Sprintf(
		"ALTER TABLE %s ADD CONSTRAINT %s UNIQUE USING INDEX %s",
		lockclass.QuoteIdentifier(op.Target),
		lockclass.QuoteIdentifier(constraintName),
		lockclass.QuoteIdentifier(indexName),
	)}

	steps := []model.Operation{indexStep, attachStep}
	for _, s := range steps {
		if err := validateSQL(s.Statements); err != nil {
			return nil, err
		}
	}
	return steps, nil
}

// rewriteAddForeignKey splits a foreign key addition into a NOT VALID add
// (SHARE ROW EXCLUSIVE, fast) followed by a VALIDATE CONSTRAINT
// (SHARE UPDATE EXCLUSIVE, scans but doesn't block writes). Partitioned
// parents additionally need each partition validated independently before
// the parent constraint is marked valid (spec §4.2); PartitionedParent and
// PartitionChildren are copied onto the validate step as metadata only, and
// no per-partition validate operations are generated, here or later in
// planning.
func (r *Rewriter) rewriteAddForeignKey(op model.Operation) ([]model.Operation, error) {
	constraintName := op.Attributes.ConstraintName
	if constraintName == "" {
		constraintName = op.IndexOrConstraint
	}
	if constraintName == "" {
		constraintName = fmt.Sprintf("%s_fk", op.Target)
	}

	addStep := op.Clone()
	addStep.ID = r.idSeq(op.ID, 1)
	addStep.GeneratedBy = op.ID
	addStep.Attributes.NotValid = true
	addStep.Attributes.ConstraintName = constraintName
	addStep.IndexOrConstraint = constraintName
	addStep.PhaseHint = model.PhaseTransactional
	def := op.Attributes.ConstraintDef
	if def == "" {
		def = fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s", quoteList(op.Attributes.Columns), strings.Join(op.References, ", "))
	}
	addStep.Statements = []string{fmt.Sprintf(
		"ALTER TABLE %s ADD CONSTRAINT %s %s NOT VALID",
		lockclass.QuoteIdentifier(op.Target), lockclass.QuoteIdentifier(constraintName), def,
	)}

	validateStep := model.Operation{
		ID:          r.idSeq(op.ID, 2),
		GeneratedBy: op.ID,
		Kind:        model.KindValidateConstraint,
		Target:      op.Target,
		IndexOrConstraint: constraintName,
		PhaseHint:   model.PhaseValidation,
		Attributes: model.Attributes{
			ConstraintName:    constraintName,
			PartitionedParent: op.Attributes.PartitionedParent,
			PartitionChildren: append([]string(nil), op.Attributes.PartitionChildren...),
			LowTrafficWindow:  true,
		},
	}
	validateStep.Statements = []string{fmt.Sprintf(
		"ALTER TABLE %s VALIDATE CONSTRAINT %s",
		lockclass.QuoteIdentifier(op.Target), lockclass.QuoteIdentifier(constraintName),
	)}

	steps := []model.Operation{addStep, validateStep}
	for _, s := range steps {
		if err := validateSQL(s.Statements); err != nil {
			return nil, err
		}
	}
	return steps, nil
}

// rewriteSetNotNull replaces a direct SET NOT NULL (ACCESS EXCLUSIVE, full
// scan under lock) with a four-step sequence that relies on an
// already-enforced CHECK constraint instead, per spec §4.2: add the check
// NOT VALID, validate it without blocking writers, promote to NOT NULL,
// which PostgreSQL can verify from the valid check alone (PG12+) instead
// of re-scanning, then drop the now-redundant check.
func (r *Rewriter) rewriteSetNotNull(op model.Operation) ([]model.Operation, error) {
	col := op.IndexOrConstraint
	checkName := fmt.Sprintf("%s_%s_not_null_chk", op.Target, col)
	quotedTarget := lockclass.QuoteIdentifier(op.Target)
	quotedCol := lockclass.QuoteIdentifier(col)

	addCheck := model.Operation{
		ID:          r.idSeq(op.ID, 1),
		GeneratedBy: op.ID,
		Kind:        model.KindSetNotNull,
		Target:      op.Target,
		IndexOrConstraint: checkName,
		PhaseHint:   model.PhaseTransactional,
		Attributes: model.Attributes{
			NotValid:       true,
			ConstraintName: checkName,
			ConstraintDef:  fmt.Sprintf("CHECK (%s IS NOT NULL)", quotedCol),
		},
		Statements: []string{fmt.Sprintf(
			"ALTER TABLE %s ADD CONSTRAINT %s CHECK (%s IS NOT NULL) NOT VALID",
			quotedTarget, lockclass.QuoteIdentifier(checkName), quotedCol,
		)},
	}

	validateCheck := model.Operation{
		ID:          r.idSeq(op.ID, 2),
		GeneratedBy: op.ID,
		Kind:        model.KindValidateConstraint,
		Target:      op.Target,
		IndexOrConstraint: checkName,
		PhaseHint:   model.PhaseValidation,
		Attributes: model.Attributes{
			ConstraintName:   checkName,
			LowTrafficWindow: true,
		},
		Statements: []string{fmt.Sprintf(
			"ALTER TABLE %s VALIDATE CONSTRAINT %s", quotedTarget, lockclass.QuoteIdentifier(checkName),
		)},
	}

	setNotNull := op.Clone()
	setNotNull.ID = r.idSeq(op.ID, 3)
	setNotNull.GeneratedBy = op.ID
	setNotNull.PhaseHint = model.PhaseTransactional
	setNotNull.Statements = []string{fmt.Sprintf(
		"ALTER TABLE %s ALTER COLUMN %s SET NOT NULL", quotedTarget, quotedCol,
	)}

	dropCheck := model.Operation{
		ID:          r.idSeq(op.ID, 4),
		GeneratedBy: op.ID,
		Kind:        model.KindDropConstraint,
		Target:      op.Target,
		IndexOrConstraint: checkName,
		PhaseHint:   model.PhaseTransactional,
		Statements: []string{fmt.Sprintf(
			"ALTER TABLE %s DROP CONSTRAINT %s", quotedTarget, lockclass.QuoteIdentifier(checkName),
		)},
	}

	steps := []model.Operation{addCheck, validateCheck, setNotNull, dropCheck}
	for _, s := range steps {
		if err := validateSQL(s.Statements); err != nil {
			return nil, err
		}
	}
	return steps, nil
}

// rewriteAlterColumnType uses the shadow-column strategy (spec §4.2): add
// a new column of the target type, backfill it, swap names (two renames
// in one transactional step), then drop the old column as a separate
// step. No trigger is generated to keep the new column in sync with
// writes that land during the backfill, and the backfill step holds only
// a placeholder comment statement, which SqlChannel skips; no batch
// UPDATE SQL is generated for it.
func (r *Rewriter) rewriteAlterColumnType(op model.Operation) ([]model.Operation, error) {
	col := op.IndexOrConstraint
	shadow := col + "_new"
	quotedTarget := lockclass.QuoteIdentifier(op.Target)
	quotedCol := lockclass.QuoteIdentifier(col)
	quotedShadow := lockclass.QuoteIdentifier(shadow)
	newType := op.Attributes.ColumnType

	addShadow := model.Operation{
		ID:          r.idSeq(op.ID, 1),
		GeneratedBy: op.ID,
		Kind:        model.KindAddColumn,
		Target:      op.Target,
		IndexOrConstraint: shadow,
		PhaseHint:   model.PhaseTransactional,
		Attributes:  model.Attributes{ColumnType: newType},
		Statements: []string{fmt.Sprintf(
			"ALTER TABLE %s ADD COLUMN %s %s", quotedTarget, quotedShadow, newType,
		)},
	}

	backfill := model.Operation{
		ID:          r.idSeq(op.ID, 2),
		GeneratedBy: op.ID,
		Kind:        model.KindBackfill,
		Target:      op.Target,
		IndexOrConstraint: shadow,
		PhaseHint:   model.PhaseTransactional,
		EstimatedRowCount: op.EstimatedRowCount,
		Statements: []string{fmt.Sprintf(
			"-- backfill %s.%s = %s::%s in batches, sized by BatchOptimizer",
			op.Target, shadow, col, newType,
		)},
	}

	swap := op.Clone()
	swap.ID = r.idSeq(op.ID, 3)
	swap.GeneratedBy = op.ID
	swap.Kind = model.KindRenameColumn
	swap.PhaseHint = model.PhaseTransactional
	swap.Statements = []string{
		fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s", quotedTarget, quotedCol, lockclass.QuoteIdentifier(col+"_old")),
		fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s", quotedTarget, quotedShadow, quotedCol),
	}

	dropOld := model.Operation{
		ID:          r.idSeq(op.ID, 4),
		GeneratedBy: op.ID,
		Kind:        model.KindDropColumn,
		Target:      op.Target,
		IndexOrConstraint: col + "_old",
		PhaseHint:   model.PhaseTransactional,
		Statements: []string{fmt.Sprintf(
			"ALTER TABLE %s DROP COLUMN %s", quotedTarget, lockclass.QuoteIdentifier(col+"_old"),
		)},
	}

	steps := []model.Operation{addShadow, backfill, swap, dropOld}
	for _, s := range steps {
		if err := validateSQL(s.Statements); err != nil {
			return nil, err
		}
	}
	return steps, nil
}

// rewriteAddColumn handles add_column: constant defaults are a single
// metadata-only change on PG11+ (no rewrite needed), but a volatile
// default (e.g. now(), random(), a sequence nextval) forces a full table
// rewrite under ACCESS EXCLUSIVE if set directly, so it is split into
// add-nullable-column, set default for future rows, then a batched
// backfill of existing rows (spec §4.2).
func (r *Rewriter) rewriteAddColumn(op model.Operation) ([]model.Operation, error) {
	if !op.Attributes.DefaultIsVolatile {
		return r.passthroughAddColumn(op)
	}

	quotedTarget := lockclass.QuoteIdentifier(op.Target)
	col := op.IndexOrConstraint
	quotedCol := lockclass.QuoteIdentifier(col)

	addCol := op.Clone()
	addCol.ID = r.idSeq(op.ID, 1)
	addCol.GeneratedBy = op.ID
	addCol.PhaseHint = model.PhaseTransactional
	addCol.Attributes.DefaultExpr = ""
	addCol.Statements = []string{fmt.Sprintf(
		"ALTER TABLE %s ADD COLUMN %s %s", quotedTarget, quotedCol, op.Attributes.ColumnType,
	)}

	setDefault := model.Operation{
		ID:          r.idSeq(op.ID, 2),
		GeneratedBy: op.ID,
		Kind:        model.KindAddColumn,
		Target:      op.Target,
		IndexOrConstraint: col,
		PhaseHint:   model.PhaseTransactional,
		Attributes:  model.Attributes{DefaultExpr: op.Attributes.DefaultExpr, DefaultIsVolatile: true},
		Statements: []string{fmt.Sprintf(
			"ALTER TABLE %s ALTER COLUMN %s SET DEFAULT %s", quotedTarget, quotedCol, op.Attributes.DefaultExpr,
		)},
	}

	backfill := model.Operation{
		ID:          r.idSeq(op.ID, 3),
		GeneratedBy: op.ID,
		Kind:        model.KindBackfill,
		Target:      op.Target,
		IndexOrConstraint: col,
		PhaseHint:   model.PhaseTransactional,
		EstimatedRowCount: op.EstimatedRowCount,
		Statements: []string{fmt.Sprintf(
			"-- backfill %s.%s = %s in batches, sized by BatchOptimizer",
			op.Target, col, op.Attributes.DefaultExpr,
		)},
	}

	steps := []model.Operation{addCol, setDefault, backfill}
	for _, s := range steps {
		if err := validateSQL(s.Statements); err != nil {
			return nil, err
		}
	}
	return steps, nil
}

func (r *Rewriter) passthroughAddColumn(op model.Operation) ([]model.Operation, error) {
	out := op.Clone()
	quotedTarget := lockclass.QuoteIdentifier(op.Target)
	quotedCol := lockclass.QuoteIdentifier(op.IndexOrConstraint)
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quotedTarget, quotedCol, op.Attributes.ColumnType)
	if op.Attributes.DefaultExpr != "" {
		stmt += fmt.Sprintf(" DEFAULT %s", op.Attributes.DefaultExpr)
	}
	out.PhaseHint = model.PhaseTransactional
	out.Statements = []string{stmt}
	if err := validateSQL(out.Statements); err != nil {
		return nil, err
	}
	return []model.Operation{out}, nil
}

func quoteList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = lockclass.QuoteIdentifier(c)
	}
	return strings.Join(quoted, ", ")
}
