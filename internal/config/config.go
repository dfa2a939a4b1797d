// Package config defines the pipeline configuration of the warehouse and
// loads it from a file, a dotenv file and the environment.
//
// A pipeline file may be JSON or YAML; keys mirror the struct tags below.
// Example (trimmed):
//
//	{
//	  "source":  { "root": "./subject/customer", "ext": "csv", "recursive": true },
//	  "storage": { "kind": "postgres", "dsn": "postgres://u:p@localhost:5432/piscineds" },
//	  "merge":   { "target": "customer", "source_prefix": "data_" },
//	  "dedupe":  { "tolerance": "1s" },
//	  "join":    { "secondary": "item", "column": "product_id" },
//	  "runtime": { "loader_workers": 4 }
//	}
//
// Any key can be overridden from the environment as WAREHOUSE_<PATH>, with
// dots replaced by underscores (WAREHOUSE_STORAGE_DSN, WAREHOUSE_MERGE_TARGET).
package config

import (
	"time"

	"warehouse/internal/schema"
)

// Stage names, in execution order.
const (
	StageLoad   = "load"
	StageMerge  = "merge"
	StageDedupe = "dedupe"
	StageJoin   = "join"
)

// Stages lists every stage in execution order.
var Stages = []string{StageLoad, StageMerge, StageDedupe, StageJoin}

// Pipeline is the top-level configuration of one run.
type Pipeline struct {
	// Job labels metrics and log lines.
	Job string `json:"job" mapstructure:"job"`

	Source  Source  `json:"source" mapstructure:"source"`
	Storage Storage `json:"storage" mapstructure:"storage"`

	// Types extends (or overrides) the built-in column type map:
	// column name -> varchar|integer|bigint|float|timestamp.
	Types map[string]string `json:"types" mapstructure:"types"`

	Merge   Merge         `json:"merge" mapstructure:"merge"`
	Dedupe  Dedupe        `json:"dedupe" mapstructure:"dedupe"`
	Audit   Audit         `json:"audit" mapstructure:"audit"`
	Join    Join          `json:"join" mapstructure:"join"`
	Runtime RuntimeConfig `json:"runtime" mapstructure:"runtime"`
	Log     Log           `json:"log" mapstructure:"log"`
}

// Source locates the CSV files to ingest.
type Source struct {
	// Root is the directory to scan. When empty, CSV_DIRECTORY or the
	// working directory is used.
	Root      string `json:"root" mapstructure:"root"`
	Ext       string `json:"ext" mapstructure:"ext"`
	Recursive bool   `json:"recursive" mapstructure:"recursive"`
}

// Storage selects the store backend.
type Storage struct {
	// Kind is a registered backend: "postgres" or "sqlite".
	Kind string `json:"kind" mapstructure:"kind"`
	// DSN is the connection string; for sqlite a file path. When empty for
	// postgres it is built from DB_HOST, DB_PORT, DB_NAME, DB_USER and
	// DB_PASSWORD.
	DSN string `json:"dsn" mapstructure:"dsn"`
	// MaxConns bounds the postgres pool; 0 sizes it from loader_workers.
	MaxConns int `json:"max_conns" mapstructure:"max_conns"`
	// BatchSize is the sqlite insert batch.
	BatchSize int `json:"batch_size" mapstructure:"batch_size"`
}

// Merge configures the union of period tables.
type Merge struct {
	Target string `json:"target" mapstructure:"target"`
	// Sources, when set, is the exact list of tables to merge.
	Sources []string `json:"sources" mapstructure:"sources"`
	// SourcesFile names a file with one table per line, used when Sources
	// is empty.
	SourcesFile string `json:"sources_file" mapstructure:"sources_file"`
	// SourcePrefix selects the loaded tables to merge when neither Sources
	// nor SourcesFile is set.
	SourcePrefix string `json:"source_prefix" mapstructure:"source_prefix"`
	// DropSources drops the period tables after a successful merge.
	DropSources bool `json:"drop_sources" mapstructure:"drop_sources"`
}

// Dedupe configures near-duplicate removal.
type Dedupe struct {
	// Table defaults to merge.target.
	Table      string        `json:"table" mapstructure:"table"`
	Fields     []string      `json:"fields" mapstructure:"fields"`
	TimeColumn string        `json:"time_column" mapstructure:"time_column"`
	Tolerance  time.Duration `json:"tolerance" mapstructure:"tolerance"`
	BatchSize  int           `json:"batch_size" mapstructure:"batch_size"`
}

// Audit configures the deleted-rows log.
type Audit struct {
	Path string `json:"path" mapstructure:"path"`
	// Mode is "append" or "overwrite".
	Mode string `json:"mode" mapstructure:"mode"`
}

// Join configures the enrichment step.
type Join struct {
	// Primary defaults to merge.target.
	Primary   string   `json:"primary" mapstructure:"primary"`
	Secondary string   `json:"secondary" mapstructure:"secondary"`
	Column    string   `json:"column" mapstructure:"column"`
	Columns   []string `json:"columns" mapstructure:"columns"`
}

// RuntimeConfig controls concurrency and which stages run.
type RuntimeConfig struct {
	LoaderWorkers int      `json:"loader_workers" mapstructure:"loader_workers"`
	Stages        []string `json:"stages" mapstructure:"stages"`
}

// Log configures the run logger.
type Log struct {
	Level string `json:"level" mapstructure:"level"`
	JSON  bool   `json:"json" mapstructure:"json"`
	// File, when set, receives a copy of every log line.
	File string `json:"file" mapstructure:"file"`
}

// Default returns the configuration of the original e-commerce warehouse:
// period files data_* merged into customer, enriched from item.
func Default() Pipeline {
	return Pipeline{
		Job:     "warehouse",
		Source:  Source{Ext: "csv", Recursive: true},
		Storage: Storage{Kind: "postgres", BatchSize: 1000},
		Merge:   Merge{Target: "customer", SourcePrefix: "data_"},
		Dedupe: Dedupe{
			Fields:     append([]string(nil), schema.DefaultKeyFields...),
			TimeColumn: schema.DefaultTimeColumn,
			Tolerance:  time.Second,
			BatchSize:  1000,
		},
		Audit:   Audit{Path: "deleted_rows.txt", Mode: "overwrite"},
		Join:    Join{Secondary: "item", Column: "product_id"},
		Runtime: RuntimeConfig{LoaderWorkers: 4, Stages: append([]string(nil), Stages...)},
		Log:     Log{Level: "info"},
	}
}

// DedupeTable is the table the dedupe stage cleans.
func (p Pipeline) DedupeTable() string {
	if p.Dedupe.Table != "" {
		return p.Dedupe.Table
	}
	return p.Merge.Target
}

// JoinPrimary is the table the join stage enriches.
func (p Pipeline) JoinPrimary() string {
	if p.Join.Primary != "" {
		return p.Join.Primary
	}
	return p.Merge.Target
}

// MaxConns is the pool size: the configured value, or enough for every
// loader worker and never less than 2.
func (p Pipeline) MaxConns() int {
	if p.Storage.MaxConns > 0 {
		return p.Storage.MaxConns
	}
	return max(p.Runtime.LoaderWorkers, 2)
}

// Enabled reports whether stage is listed in runtime.stages.
func (p Pipeline) Enabled(stage string) bool {
	for _, s := range p.Runtime.Stages {
		if s == stage {
			return true
		}
	}
	return false
}
