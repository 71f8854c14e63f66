package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"

	"metasdb/pkg/dberrors"
)

// Config is the root of the sdbd configuration file.
type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	Server ServerConfig `yaml:"http-server"`
	SDB    SDBConfig    `yaml:"sdb"`
	Tables TablesConfig `yaml:"tables"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type SDBConfig struct {
	Dir             string           `yaml:"dir"`
	SoftwareVersion uint64           `yaml:"software_version"`
	SyncWrites      bool             `yaml:"sync_writes"`
	Compaction      CompactionConfig `yaml:"compaction"`
}

type CompactionConfig struct {
	Enabled bool `yaml:"enabled"`
	Queue   int  `yaml:"queue"`
}

// TableConfig sizes one catalog table.
type TableConfig struct {
	MaxRows    int `yaml:"max_rows"`
	MaxRowSize int `yaml:"max_row_size"`
}

type TablesConfig struct {
	DB     TableConfig `yaml:"db"`
	User   TableConfig `yaml:"user"`
	Vgroup TableConfig `yaml:"vgroup"`
	Dnode  TableConfig `yaml:"dnode"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port: 8080,
		},
		SDB: SDBConfig{
			Dir:             "./data",
			SoftwareVersion: 1,
			Compaction: CompactionConfig{
				Enabled: true,
				Queue:   16,
			},
		},
		Tables: TablesConfig{
			DB:     TableConfig{MaxRows: 1024, MaxRowSize: 512},
			User:   TableConfig{MaxRows: 1024, MaxRowSize: 512},
			Vgroup: TableConfig{MaxRows: 4096, MaxRowSize: 256},
			Dnode:  TableConfig{MaxRows: 128, MaxRowSize: 256},
		},
	}
}

// Load reads path on top of Default. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	var errs []error

	switch strings.ToUpper(c.Logger.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		errs = append(errs, fmt.Errorf("logger.level %q", c.Logger.Level))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("http-server.port %d out of range", c.Server.Port))
	}
	if c.SDB.Dir == "" {
		errs = append(errs, errors.New("sdb.dir is empty"))
	}
	if c.SDB.Compaction.Enabled && c.SDB.Compaction.Queue < 1 {
		errs = append(errs, fmt.Errorf("sdb.compaction.queue %d must be positive", c.SDB.Compaction.Queue))
	}

	for name, t := range c.Tables.byName() {
		if t.MaxRows < 1 {
			errs = append(errs, fmt.Errorf("tables.%s.max_rows %d must be positive", name, t.MaxRows))
		}
		if t.MaxRowSize < 1 {
			errs = append(errs, fmt.Errorf("tables.%s.max_row_size %d must be positive", name, t.MaxRowSize))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", dberrors.ErrInvalidArgument, err)
	}
	return nil
}

func (t TablesConfig) byName() map[string]TableConfig {
	return map[string]TableConfig{
		"db":     t.DB,
		"user":   t.User,
		"vgroup": t.Vgroup,
		"dnode":  t.Dnode,
	}
}
