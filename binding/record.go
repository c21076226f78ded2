package binding

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// schemaCache memoizes gorm schema parses across the whole engine.
var schemaCache = &sync.Map{}

// ModelSchema parses (or returns the cached) gorm schema for model.
func ModelSchema(db *gorm.DB, model any) (*schema.Schema, error) {
	sch, err := schema.Parse(model, schemaCache, db.NamingStrategy)
	if err != nil {
		return nil, fmt.Errorf("failed to parse schema for %T: %w", model, err)
	}
	return sch, nil
}

// ResourceType returns the record's logical type name: the struct name,
// which is also the key models register under.
func ResourceType(record any) string {
	typ := indirectType(record)
	if typ == nil {
		return ""
	}
	return typ.Name()
}

// ResourceID returns the record's primary key as an integer.
func ResourceID(db *gorm.DB, record any) (uint, error) {
	sch, err := ModelSchema(db, record)
	if err != nil {
		return 0, err
	}
	pk := sch.PrioritizedPrimaryField
	if pk == nil {
		return 0, fmt.Errorf("%s has no primary key field", sch.Name)
	}

	value, zero := pk.ValueOf(context.Background(), reflect.ValueOf(record))
	if zero {
		return 0, fmt.Errorf("%s record has a zero primary key", sch.Name)
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return uint(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return uint(rv.Uint()), nil
	default:
		return 0, fmt.Errorf("%s primary key is not an integer (%T)", sch.Name, value)
	}
}

// AssociatedRecords loads the records behind an association by name and
// returns them as pointers. An unknown association is an error; a loaded
// association with no rows returns an empty slice.
func AssociatedRecords(db *gorm.DB, record any, assoc string) ([]any, error) {
	sch, err := ModelSchema(db, record)
	if err != nil {
		return nil, err
	}
	rel, ok := sch.Relationships.Relations[assoc]
	if !ok {
		return nil, fmt.Errorf("%s has no association %q", sch.Name, assoc)
	}

	slicePtr := reflect.New(reflect.SliceOf(rel.FieldSchema.ModelType))
	if err := db.Model(record).Association(assoc).Find(slicePtr.Interface()); err != nil {
		return nil, fmt.Errorf("failed to load association %s.%s: %w", sch.Name, assoc, err)
	}

	slice := slicePtr.Elem()
	out := make([]any, 0, slice.Len())
	for i := 0; i < slice.Len(); i++ {
		out = append(out, slice.Index(i).Addr().Interface())
	}
	return out, nil
}

// StringField reads a string-convertible field off the record by struct
// name or column name. Used for the legacy "<crm>_id" dependency check.
func StringField(db *gorm.DB, record any, name string) (string, bool) {
	sch, err := ModelSchema(db, record)
	if err != nil {
		return "", false
	}
	field := sch.LookUpField(name)
	if field == nil {
		return "", false
	}

	value, zero := field.ValueOf(context.Background(), reflect.ValueOf(record))
	if zero || value == nil {
		return "", false
	}
	switch v := value.(type) {
	case string:
		return v, v != ""
	case *string:
		if v == nil || *v == "" {
			return "", false
		}
		return *v, true
	default:
		s := fmt.Sprintf("%v", v)
		return s, s != ""
	}
}
