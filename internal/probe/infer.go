package probe

import (
	"strconv"
	"strings"
	"time"

	"warehouse/internal/schema"
)

// Inferred is the type a column's values look like. It is only a hint: DDL
// types come from the schema type map.
type Inferred uint8

const (
	Text Inferred = iota
	Integer
	Float
	Timestamp
)

func (t Inferred) String() string {
	switch t {
	case Integer:
		return "integer"
	case Float:
		return "float"
	case Timestamp:
		return "timestamp"
	default:
		return "text"
	}
}

// Compatible reports whether values of this kind load into a column of db.
func (t Inferred) Compatible(db schema.DBType) bool {
	switch db {
	case schema.Varchar:
		return true
	case schema.Integer, schema.BigInt:
		return t == Integer
	case schema.Float:
		return t == Integer || t == Float
	case schema.Timestamp:
		return t == Timestamp
	}
	return false
}

// columnState narrows a column's type as values stream past. Empty values
// say nothing about the type.
type columnState struct {
	seen     bool
	notInt   bool
	notFloat bool
	notTime  bool
	layout   string // last timestamp layout that matched
}

func (c *columnState) observe(v string) {
	v = strings.TrimSpace(v)
	if v == "" {
		return
	}
	c.seen = true
	if !c.notInt && !isInt(v) {
		c.notInt = true
	}
	if c.notInt && !c.notFloat && !isFloat(v) {
		c.notFloat = true
	}
	if !c.notTime && !c.parseTime(v) {
		c.notTime = true
	}
}

func (c *columnState) result() Inferred {
	switch {
	case !c.seen:
		return Text
	case !c.notInt:
		return Integer
	case !c.notFloat:
		return Float
	case !c.notTime:
		return Timestamp
	default:
		return Text
	}
}

// parseTime tries the layout that matched last before the full list, which
// keeps a homogeneous column at one parse per value.
func (c *columnState) parseTime(v string) bool {
	if c.layout != "" {
		if _, err := time.Parse(c.layout, v); err == nil {
			return true
		}
	}
	for _, l := range schema.TimestampLayouts {
		if _, err := time.Parse(l, v); err == nil {
			c.layout = l
			return true
		}
	}
	return false
}

func isInt(s string) bool {
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

func isFloat(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}
