package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "WAREHOUSE"

// Load builds a Pipeline from, in increasing precedence: Default(), the
// config file at path (JSON or YAML, optional), WAREHOUSE_* variables
// from the dotenv file, and WAREHOUSE_* variables from the process
// environment. A missing dotenv file is ignored.
//
// The variables DB_HOST, DB_PORT, DB_NAME, DB_USER and DB_PASSWORD build
// the postgres DSN when none is configured, and CSV_DIRECTORY sets the
// source root when none is configured. They are read from the environment
// first and then from the dotenv file.
func Load(path, dotenv string) (Pipeline, error) {
	v := viper.New()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Pipeline{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	dot, err := readDotEnv(dotenv)
	if err != nil {
		return Pipeline{}, err
	}
	getenv := func(k string) string {
		if val, ok := os.LookupEnv(k); ok {
			return val
		}
		return dot[k]
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range v.AllKeys() {
		name := EnvName(key)
		if _, ok := os.LookupEnv(name); ok {
			continue
		}
		if val, ok := dot[name]; ok {
			v.Set(key, val)
		}
	}

	var p Pipeline
	if err := v.Unmarshal(&p); err != nil {
		return Pipeline{}, fmt.Errorf("config: decode: %w", err)
	}

	if p.Source.Root == "" {
		p.Source.Root = getenv("CSV_DIRECTORY")
	}
	if p.Source.Root == "" {
		p.Source.Root = "."
	}
	if p.Storage.DSN == "" && p.Storage.Kind == "postgres" {
		p.Storage.DSN = PostgresDSN(getenv)
	}
	return p, nil
}

// EnvName is the environment variable overriding key, e.g.
// "storage.dsn" -> WAREHOUSE_STORAGE_DSN.
func EnvName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// PostgresDSN builds a connection URL from the DB_* variables, or returns
// "" when DB_HOST is unset.
func PostgresDSN(getenv func(string) string) string {
	host := getenv("DB_HOST")
	if host == "" {
		return ""
	}
	port := getenv("DB_PORT")
	if port == "" {
		port = "5432"
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(host, port),
		Path:   "/" + getenv("DB_NAME"),
	}
	if user := getenv("DB_USER"); user != "" {
		u.User = url.UserPassword(user, getenv("DB_PASSWORD"))
	}
	return u.String()
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d Pipeline) {
	v.SetDefault("job", d.Job)

	v.SetDefault("source.root", d.Source.Root)
	v.SetDefault("source.ext", d.Source.Ext)
	v.SetDefault("source.recursive", d.Source.Recursive)

	v.SetDefault("storage.kind", d.Storage.Kind)
	v.SetDefault("storage.dsn", d.Storage.DSN)
	v.SetDefault("storage.max_conns", d.Storage.MaxConns)
	v.SetDefault("storage.batch_size", d.Storage.BatchSize)

	v.SetDefault("merge.target", d.Merge.Target)
	v.SetDefault("merge.sources", d.Merge.Sources)
	v.SetDefault("merge.sources_file", d.Merge.SourcesFile)
	v.SetDefault("merge.source_prefix", d.Merge.SourcePrefix)
	v.SetDefault("merge.drop_sources", d.Merge.DropSources)

	v.SetDefault("dedupe.table", d.Dedupe.Table)
	v.SetDefault("dedupe.fields", d.Dedupe.Fields)
	v.SetDefault("dedupe.time_column", d.Dedupe.TimeColumn)
	v.SetDefault("dedupe.tolerance", d.Dedupe.Tolerance)
	v.SetDefault("dedupe.batch_size", d.Dedupe.BatchSize)

	v.SetDefault("audit.path", d.Audit.Path)
	v.SetDefault("audit.mode", d.Audit.Mode)

	v.SetDefault("join.primary", d.Join.Primary)
	v.SetDefault("join.secondary", d.Join.Secondary)
	v.SetDefault("join.column", d.Join.Column)
	v.SetDefault("join.columns", d.Join.Columns)

	v.SetDefault("runtime.loader_workers", d.Runtime.LoaderWorkers)
	v.SetDefault("runtime.stages", d.Runtime.Stages)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.json", d.Log.JSON)
	v.SetDefault("log.file", d.Log.File)
}

// readDotEnv parses a KEY=VALUE file. Keys are returned upper-cased.
func readDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	out := make(map[string]string, len(v.AllKeys()))
	for _, k := range v.AllKeys() {
		out[strings.ToUpper(k)] = v.GetString(k)
	}
	return out, nil
}
