package subscriptions

import "strings"

const classTablePrefix = "class_"

// Query is the slice of the query front-end the store consumes: the
// storage-level table a query ranges over and its canonical textual form.
type Query interface {
	TableName() string
	Description() string
}

type classQuery struct {
	tableName   string
	description string
}

// NewQuery builds a Query over the named object class with the supplied
// canonical description.
func NewQuery(className, description string) Query {
	return classQuery{tableName: classTablePrefix + className, description: description}
}

func (q classQuery) TableName() string {
	return q.tableName
}

func (q classQuery) Description() string {
	return q.description
}

// classNameForTable strips the storage-level table prefix from a table name.
func classNameForTable(tableName string) string {
	return strings.TrimPrefix(tableName, classTablePrefix)
}
