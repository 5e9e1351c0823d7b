package database

import (
	"fmt"
	"strings"

	"github.com/huandu/go-sqlbuilder"
)

// Excluded references the proposed row inside an ON CONFLICT ... DO UPDATE clause.
func Excluded(column string) any {
	return sqlbuilder.Raw(fmt.Sprintf("EXCLUDED.%s", column))
}

type InsertBuilder struct {
	*sqlbuilder.InsertBuilder
}

func NewInsertBuilder() *InsertBuilder {
	return &InsertBuilder{
		sqlbuilder.PostgreSQL.NewInsertBuilder(),
	}
}

func (ib *InsertBuilder) InsertInto(table string) *InsertBuilder {
	return &InsertBuilder{ib.InsertBuilder.InsertInto(table)}
}

func (ib *InsertBuilder) Cols(col ...string) *InsertBuilder {
	return &InsertBuilder{ib.InsertBuilder.Cols(col...)}
}

func (ib *InsertBuilder) Values(value ...any) *InsertBuilder {
	return &InsertBuilder{ib.InsertBuilder.Values(value...)}
}

// OnConflictDoNothing skips rows that violate the given unique columns.
// Must be called before Returning so the clauses render in order.
func (ib *InsertBuilder) OnConflictDoNothing(columns ...string) *InsertBuilder {
	if len(columns) == 0 {
		ib.SQL("ON CONFLICT DO NOTHING")
		return ib
	}
	ib.SQL(fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", strings.Join(columns, ", ")))
	return ib
}

func (ib *InsertBuilder) Returning(col ...string) *InsertBuilder {
	return &InsertBuilder{ib.InsertBuilder.Returning(col...)}
}

type UpdateBuilder struct {
	*sqlbuilder.UpdateBuilder
}

func NewUpdateBuilder() *UpdateBuilder {
	return &UpdateBuilder{sqlbuilder.PostgreSQL.NewUpdateBuilder()}
}

type SelectBuilder struct {
	*sqlbuilder.SelectBuilder
}

func NewSelectBuilder() *SelectBuilder {
	return &SelectBuilder{sqlbuilder.PostgreSQL.NewSelectBuilder()}
}

type Struct struct {
	*sqlbuilder.Struct
}

func (s *Struct) SelectFrom(table string) *SelectBuilder {
	return &SelectBuilder{s.Struct.SelectFrom(table)}
}

func (s *Struct) InsertInto(table string, v ...any) *InsertBuilder {
	return &InsertBuilder{s.Struct.InsertInto(table, v...)}
}

func NewStruct(v any) *Struct {
	builder := sqlbuilder.NewStruct(v).For(sqlbuilder.PostgreSQL)
	return &Struct{builder}
}
