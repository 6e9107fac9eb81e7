// Package model defines the data types shared across Wesley's planning and
// execution pipeline: operations, plans, executor state and checkpoints.
package model

// OperationKind enumerates the schema-change primitives Wesley understands.
type OperationKind string

const (
	KindCreateTable       OperationKind = "create_table"
	KindDropTable         OperationKind = "drop_table"
	KindAddColumn         OperationKind = "add_column"
	KindDropColumn        OperationKind = "drop_column"
	KindAlterColumnType   OperationKind = "alter_column_type"
	KindAddIndex          OperationKind = "add_index"
	KindAddUnique         OperationKind = "add_unique"
	KindAddForeignKey     OperationKind = "add_foreign_key"
	KindValidateConstraint OperationKind = "validate_constraint"
	KindDropConstraint    OperationKind = "drop_constraint"
	KindCreateView        OperationKind = "create_view"
	KindBackfill          OperationKind = "backfill"
	KindSetNotNull        OperationKind = "set_not_null"
	KindRenameColumn      OperationKind = "rename_column"
	KindRenameTable       OperationKind = "rename_table"
)

// Phase is one of the three coarse scheduling buckets an operation is
// assigned to by the ExecutionPlanner.
type Phase string

const (
	PhaseNonTransactional Phase = "nonTransactional"
	PhaseTransactional    Phase = "transactional"
	PhaseValidation       Phase = "validation"
)

// PhaseOrder gives the strict execution order of phases; lower runs first.
var PhaseOrder = map[Phase]int{
	PhaseNonTransactional: 0,
	PhaseTransactional:    1,
	PhaseValidation:       2,
}

// Attributes holds kind-specific operation details. Every field is optional;
// which ones are meaningful depends on Kind.
type Attributes struct {
	Concurrently      bool   `json:"concurrently,omitempty"`
	NotValid          bool   `json:"notValid,omitempty"`
	DefaultExpr       string `json:"defaultExpr,omitempty"`
	DefaultIsVolatile bool   `json:"defaultIsVolatile,omitempty"`
	ConstraintDef     string `json:"constraintDef,omitempty"`
	ColumnType        string `json:"columnType,omitempty"`
	OldColumnType     string `json:"oldColumnType,omitempty"`
	Columns           []string `json:"columns,omitempty"`
	ConstraintName    string `json:"constraintName,omitempty"`
	IndexName         string `json:"indexName,omitempty"`
	NewName           string `json:"newName,omitempty"`
	PartitionedParent bool   `json:"partitionedParent,omitempty"`
	PartitionChildren []string `json:"partitionChildren,omitempty"`
	LowTrafficWindow  bool   `json:"lowTrafficWindow,omitempty"`
}

// Operation is an immutable description of a single schema change, as
// emitted by the external SchemaDiffer.
type Operation struct {
	ID                string        `json:"id"`
	Kind              OperationKind `json:"kind"`
	Target            string        `json:"target"`
	IndexOrConstraint string        `json:"indexOrConstraint,omitempty"`
	References        []string      `json:"references,omitempty"`
	Attributes        Attributes    `json:"attributes"`
	EstimatedRowCount int64         `json:"estimatedRowCount,omitempty"`
	PhaseHint         Phase         `json:"phaseHint,omitempty"`

	// GeneratedBy records the id of the pre-rewrite operation this one was
	// produced from, if any (set by the OperationRewriter). Empty for
	// operations that pass through unchanged.
	GeneratedBy string `json:"generatedBy,omitempty"`

	// Statements is the literal SQL this operation executes, populated by
	// OperationRewriter's constructors (spec §9: SQL generation stays
	// inside the rewriter, never interpolated ad hoc at execution time).
	Statements []string `json:"statements,omitempty"`
}

// Clone returns a deep-enough copy for safe mutation by planning stages.
func (o Operation) Clone() Operation {
	c := o
	if o.References != nil {
		c.References = append([]string(nil), o.References...)
	}
	if o.Attributes.Columns != nil {
		c.Attributes.Columns = append([]string(nil), o.Attributes.Columns...)
	}
	if o.Attributes.PartitionChildren != nil {
		c.Attributes.PartitionChildren = append([]string(nil), o.Attributes.PartitionChildren...)
	}
	return c
}
