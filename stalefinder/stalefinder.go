package stalefinder

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"github.com/CapSens/etlify/binding"
	"github.com/CapSens/etlify/state"
)

// stateAlias names the sync-state join inside generated relations.
const stateAlias = "etlify_states"

// Finder emits, per (model, CRM), an id-only relation selecting the
// records whose mirror is behind. The relation is SQL all the way down:
// callers can count it, pluck ids from it, or batch over it without
// materializing the candidate set.
type Finder struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func New(db *gorm.DB, log *zap.SugaredLogger) *Finder {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Finder{db: db, log: log}
}

// Relation builds the stale relation for one model prototype and CRM. A
// record is stale when it has no sync row, or when its effective sync
// timestamp is older than the newest updated_at among the record itself
// and its declared dependency associations. Rows at or past maxErrors
// are excluded, but records with no sync row never are.
func (f *Finder) Relation(model any, crmName string, b *binding.Binding, maxErrors int) (*gorm.DB, error) {
	sch, err := binding.ModelSchema(f.db, model)
	if err != nil {
		return nil, err
	}
	table := sch.Table
	pk := sch.PrioritizedPrimaryField
	if pk == nil {
		return nil, fmt.Errorf("%s has no primary key, cannot build stale relation", sch.Name)
	}
	idCol := fmt.Sprintf("%s.%s", table, pk.DBName)

	threshold := f.threshold(sch, b)
	syncedAt := fmt.Sprintf("COALESCE(%s.last_synced_at, %s)", stateAlias, f.epoch())

	rel := f.db.Model(model).
		Select(fmt.Sprintf("%s AS id", idCol)).
		Joins(fmt.Sprintf(
			"LEFT JOIN %s %s ON %s.resource_type = ? AND %s.resource_id = %s AND %s.crm_name = ?",
			state.Synchronisation{}.TableName(), stateAlias, stateAlias, stateAlias, idCol, stateAlias),
			sch.Name, crmName).
		Where(fmt.Sprintf(
			"(%s.id IS NULL OR (%s.error_count < ? AND %s < %s))",
			stateAlias, stateAlias, syncedAt, threshold),
			maxErrors).
		Order(fmt.Sprintf("%s ASC", idCol))

	if b.StaleScope != nil {
		scope := b.StaleScope(f.db.Model(model).Select(idCol))
		rel = rel.Where(fmt.Sprintf("%s IN (?)", idCol), scope)
	}
	return rel, nil
}

// IDs materializes a relation built by Relation. The relation's own
// select is kept, so the id column never collides with the joined sync
// state table.
func IDs(ctx context.Context, rel *gorm.DB) ([]uint, error) {
	rows, err := rel.WithContext(ctx).Rows()
	if err != nil {
		return nil, fmt.Errorf("failed to stream stale ids: %w", err)
	}
	defer rows.Close()

	var ids []uint
	for rows.Next() {
		var id uint
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan stale id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while streaming stale ids: %w", err)
	}
	return ids, nil
}

// threshold renders GREATEST(record.updated_at, dep..., epoch), or MAX on
// stores without GREATEST. Every term is COALESCEd to the epoch so NULL
// timestamps compare conservatively.
func (f *Finder) threshold(sch *schema.Schema, b *binding.Binding) string {
	terms := make([]string, 0, len(b.Dependencies)+2)

	if field := sch.LookUpField("updated_at"); field != nil {
		terms = append(terms, f.coalesce(fmt.Sprintf("%s.%s", sch.Table, field.DBName)))
	}
	for _, assoc := range b.Dependencies {
		if expr := f.dependencyExpr(sch, assoc); expr != "" {
			terms = append(terms, f.coalesce(expr))
		}
	}
	terms = append(terms, f.epoch())

	if len(terms) == 1 {
		return terms[0]
	}
	return fmt.Sprintf("%s(%s)", f.greatestFn(), strings.Join(terms, ", "))
}

// dependencyExpr renders one association's timestamp contribution as a
// correlated subquery. Unknown associations and owner-side polymorphic
// pairs contribute nothing, which collapses to the epoch.
func (f *Finder) dependencyExpr(sch *schema.Schema, assoc string) string {
	if head, rest, nested := strings.Cut(assoc, "."); nested {
		return f.nestedExpr(sch, head, rest)
	}

	rel, ok := sch.Relationships.Relations[assoc]
	if !ok {
		f.log.Debugw("skipping unknown dependency association", "model", sch.Name, "association", assoc)
		return ""
	}

	switch rel.Type {
	case schema.BelongsTo:
		return belongsToExpr(rel, sch.Table)
	case schema.HasOne, schema.HasMany:
		return hasExpr(rel, sch.Table)
	case schema.Many2Many:
		return many2manyExpr(rel, sch.Table)
	default:
		f.log.Debugw("skipping unsupported dependency kind", "model", sch.Name, "association", assoc, "kind", rel.Type)
		return ""
	}
}

// belongsToExpr: scalar lookup on the target's pk through the owner's fk.
func belongsToExpr(rel *schema.Relationship, ownerTable string) string {
	target := rel.FieldSchema.Table
	var conds []string
	for _, ref := range rel.References {
		// fk lives on the owner for belongs_to
		conds = append(conds, fmt.Sprintf("%s.%s = %s.%s", target, ref.PrimaryKey.DBName, ownerTable, ref.ForeignKey.DBName))
	}
	return fmt.Sprintf("(SELECT %s.updated_at FROM %s WHERE %s)", target, target, strings.Join(conds, " AND "))
}

// hasExpr: MAX(updated_at) over the owned rows, with a type predicate
// when the inverse side is polymorphic.
func hasExpr(rel *schema.Relationship, ownerTable string) string {
	target := rel.FieldSchema.Table
	var conds []string
	for _, ref := range rel.References {
		if ref.OwnPrimaryKey {
			conds = append(conds, fmt.Sprintf("%s.%s = %s.%s", target, ref.ForeignKey.DBName, ownerTable, ref.PrimaryKey.DBName))
		} else if ref.PrimaryValue != "" {
			conds = append(conds, fmt.Sprintf("%s.%s = '%s'", target, ref.ForeignKey.DBName, ref.PrimaryValue))
		}
	}
	return fmt.Sprintf("(SELECT MAX(%s.updated_at) FROM %s WHERE %s)", target, target, strings.Join(conds, " AND "))
}

// many2manyExpr: MAX(updated_at) over the far side, joined through the
// join table with whatever fk names the schema declares.
func many2manyExpr(rel *schema.Relationship, ownerTable string) string {
	target := rel.FieldSchema.Table
	join := rel.JoinTable.Table

	var joinConds, whereConds []string
	for _, ref := range rel.References {
		if ref.OwnPrimaryKey {
			whereConds = append(whereConds, fmt.Sprintf("%s.%s = %s.%s", join, ref.ForeignKey.DBName, ownerTable, ref.PrimaryKey.DBName))
		} else {
			joinConds = append(joinConds, fmt.Sprintf("%s.%s = %s.%s", join, ref.ForeignKey.DBName, target, ref.PrimaryKey.DBName))
		}
	}
	return fmt.Sprintf("(SELECT MAX(%s.updated_at) FROM %s JOIN %s ON %s WHERE %s)",
		target, target, join, strings.Join(joinConds, " AND "), strings.Join(whereConds, " AND "))
}

// nestedExpr handles one dotted hop ("Posts.Comments"): the intermediate
// and far tables are aliased so self-joins against the owner table never
// collide. Deeper nesting is not supported and contributes the epoch.
func (f *Finder) nestedExpr(sch *schema.Schema, head, rest string) string {
	if strings.Contains(rest, ".") {
		f.log.Debugw("skipping dependency nested deeper than two hops", "model", sch.Name, "association", head+"."+rest)
		return ""
	}

	first, ok := sch.Relationships.Relations[head]
	if !ok {
		f.log.Debugw("skipping unknown dependency association", "model", sch.Name, "association", head)
		return ""
	}
	second, ok := first.FieldSchema.Relationships.Relations[rest]
	if !ok {
		f.log.Debugw("skipping unknown nested association", "model", first.FieldSchema.Name, "association", rest)
		return ""
	}

	const hop1, hop2 = "etlify_hop1", "etlify_hop2"
	midTable := first.FieldSchema.Table
	farTable := second.FieldSchema.Table

	outer := relationConds(first, sch.Table, hop1)
	inner := relationConds(second, hop1, hop2)
	if outer == "" || inner == "" {
		return ""
	}

	return fmt.Sprintf("(SELECT MAX(%s.updated_at) FROM %s %s JOIN %s %s ON %s WHERE %s)",
		hop2, midTable, hop1, farTable, hop2, inner, outer)
}

// relationConds renders the join predicate for one relationship with both
// sides aliased.
func relationConds(rel *schema.Relationship, ownerAlias, targetAlias string) string {
	var conds []string
	switch rel.Type {
	case schema.BelongsTo:
		for _, ref := range rel.References {
			conds = append(conds, fmt.Sprintf("%s.%s = %s.%s", targetAlias, ref.PrimaryKey.DBName, ownerAlias, ref.ForeignKey.DBName))
		}
	case schema.HasOne, schema.HasMany:
		for _, ref := range rel.References {
			if ref.OwnPrimaryKey {
				conds = append(conds, fmt.Sprintf("%s.%s = %s.%s", targetAlias, ref.ForeignKey.DBName, ownerAlias, ref.PrimaryKey.DBName))
			} else if ref.PrimaryValue != "" {
				conds = append(conds, fmt.Sprintf("%s.%s = '%s'", targetAlias, ref.ForeignKey.DBName, ref.PrimaryValue))
			}
		}
	default:
		return ""
	}
	return strings.Join(conds, " AND ")
}

func (f *Finder) coalesce(expr string) string {
	return fmt.Sprintf("COALESCE(%s, %s)", expr, f.epoch())
}

// greatestFn picks the n-ary maximum function: GREATEST on
// PostgreSQL-family stores, scalar MAX elsewhere (SQLite).
func (f *Finder) greatestFn() string {
	if f.db.Dialector.Name() == "postgres" {
		return "GREATEST"
	}
	return "MAX"
}

// epoch renders the 1970-01-01 literal for the current dialect.
func (f *Finder) epoch() string {
	if f.db.Dialector.Name() == "postgres" {
		return "TIMESTAMP '1970-01-01 00:00:00'"
	}
	return "DATETIME('1970-01-01 00:00:00')"
}
