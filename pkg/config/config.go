// kvhandle uses flags and a single config file for configuration.
// A config file is stored in TOML format and contains the values that can be set via flags; a flag is only
// overridden when its key is present in the file.

package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
)

var configFilePath = flag.String("config_file", "kvhandle.toml", "Path to the TOML configuration file.")

// skippedConfigFlags is the list of command line flags that have no config file entry.
var skippedConfigFlags = []string{"print_version", "config_file"}

// Config is the schema of the config file. Every leaf names the flag it sets in its `flag` tag.
type Config struct {
	Log struct {
		HandlerType string `toml:"handler_type" flag:"log_handler_type"`
		Level       string `toml:"level" flag:"log_level"`
	} `toml:"log"`
	Server struct {
		Address        string `toml:"address" flag:"address"`
		DataDir        string `toml:"data_dir" flag:"data_dir"`
		MetricsAddress string `toml:"metrics_address" flag:"metrics_address"`
	} `toml:"server"`
	Engine struct {
		Kind    string `toml:"kind" flag:"engine"`
		LevelDB struct {
			BlockCacheCapacity     int  `toml:"block_cache_capacity" flag:"leveldb_block_cache_capacity"`
			WriteBuffer            int  `toml:"write_buffer" flag:"leveldb_write_buffer"`
			OpenFilesCacheCapacity int  `toml:"open_files_cache_capacity" flag:"leveldb_open_files_cache_capacity"`
			BloomFilterBits        int  `toml:"bloom_filter_bits" flag:"leveldb_bloom_filter_bits"`
			SyncWrites             bool `toml:"sync_writes" flag:"leveldb_sync_writes"`
		} `toml:"leveldb"`
		Bolt struct {
			OpenTimeout     string `toml:"open_timeout" flag:"bolt_open_timeout"` // Go duration, e.g. "1s".
			InitialMmapSize int    `toml:"initial_mmap_size" flag:"bolt_initial_mmap_size"`
			NoSync          bool   `toml:"no_sync" flag:"bolt_no_sync"`
		} `toml:"bolt"`
	} `toml:"engine"`
	ReadCache struct {
		Capacity     int    `toml:"capacity" flag:"read_cache_capacity"`
		ShardCount   int    `toml:"shard_count" flag:"read_cache_shard_count"`
		Ttl          string `toml:"ttl" flag:"read_cache_ttl"`
		TickInterval string `toml:"tick_interval" flag:"read_cache_tick_interval"`
	} `toml:"read_cache"`
}

// configLeaf is a config field bound to a flag.
type configLeaf struct {
	keyPath  []string // The TOML key path, e.g. ["engine", "leveldb", "write_buffer"].
	flagName string
	value    reflect.Value
}

// walkLeaves returns every flag-bound leaf of `conf`, failing on duplicate flag names.
func walkLeaves(conf *Config) ([]configLeaf, error) {
	leaves := make([]configLeaf, 0)
	seen := make(map[ /*flagName*/ string] /*keyPath*/ string)
	var walk func(value reflect.Value, keyPath []string) error
	walk = func(value reflect.Value, keyPath []string) error {
		for fieldIdx := 0; fieldIdx < value.NumField(); fieldIdx++ {
			field := value.Type().Field(fieldIdx)
			fieldPath := append(slices.Clone(keyPath), field.Tag.Get("toml"))
			if field.Type.Kind() == reflect.Struct {
				if err := walk(value.Field(fieldIdx), fieldPath); err != nil {
					return err
				}
				continue
			}
			flagName := field.Tag.Get("flag")
			if flagName == "" {
				return fmt.Errorf("config field '%s' has no flag tag", strings.Join(fieldPath, "."))
			}
			if other, exists := seen[flagName]; exists {
				return fmt.Errorf("duplicate flag name '%s' in config: '%s' and '%s'",
					flagName, other, strings.Join(fieldPath, "."))
			}
			seen[flagName] = strings.Join(fieldPath, ".")
			leaves = append(leaves, configLeaf{keyPath: fieldPath, flagName: flagName, value: value.Field(fieldIdx)})
		}
		return nil
	}
	if err := walk(reflect.ValueOf(conf).Elem(), nil /*keyPath*/); err != nil {
		return nil, err
	}
	return leaves, nil
}

// setConfigFlags sets the flags of every leaf defined in the decoded file.
func setConfigFlags(conf *Config, meta toml.MetaData) error {
	leaves, err := walkLeaves(conf)
	if err != nil {
		return fmt.Errorf("failed to collect flags: %w", err)
	}
	for _, leaf := range leaves {
		if !meta.IsDefined(leaf.keyPath...) {
			continue
		}
		if setErr := flag.Set(leaf.flagName, fmt.Sprint(leaf.value.Interface())); setErr != nil {
			return fmt.Errorf("failed to set flag %s: %w", leaf.flagName, setErr)
		}
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		slog.Warn("Config file has unknown keys.", "keys", undecoded)
	}
	return nil
}

// LoadFile applies the config file at `path` onto the flags.
func LoadFile(path string) error {
	conf := new(Config)
	meta, err := toml.DecodeFile(path, conf)
	if err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return setConfigFlags(conf, meta)
}

// InitFlags initializes the flags from the config file specified by the -config_file flag.
// It should be called after defining all flags and before using them. Flags passed on the command line are
// overridden by the config file.
func InitFlags() {
	flag.Parse()

	if *configFilePath == "" {
		slog.Info("Config file not specified. Skipping config initialization.")
		return
	}
	if _, err := os.Stat(*configFilePath); errors.Is(err, os.ErrNotExist) {
		slog.Warn("Config file does not exist.", "path", *configFilePath, "error", err)
		return
	}
	if err := LoadFile(*configFilePath); err != nil {
		slog.Error("Failed to apply config file.", "path", *configFilePath, "error", err)
		return
	}
	slog.Info("Applied config file.", "path", *configFilePath)
}

// getDefinedFlags returns the set of flags bound in the config schema.
func getDefinedFlags() (map[ /*flagName*/ string]struct{}, error) {
	leaves, err := walkLeaves(new(Config))
	if err != nil {
		return nil, err
	}
	flagSet := make(map[string]struct{}, len(leaves))
	for _, leaf := range leaves {
		flagSet[leaf.flagName] = struct{}{}
	}
	return flagSet, nil
}

// CollectUnregisteredFlags collects all flags that haven't been registered in the config schema.
// An error exists in the results corresponding to each unregistered flag.
func CollectUnregisteredFlags() []error {
	definedFlags, err := getDefinedFlags()
	if err != nil {
		return []error{err}
	}
	errs := make([]error, 0)
	flag.VisitAll(func(f *flag.Flag) {
		if strings.HasPrefix(f.Name, "test.") { // Skip test flags.
			return
		}
		if slices.Contains(skippedConfigFlags, f.Name) {
			return
		}
		if _, flagHasConfigEntry := definedFlags[f.Name]; !flagHasConfigEntry {
			errs = append(errs, fmt.Errorf("flag '%s' has not been defined in config schema", f.Name))
		}
	})
	return errs
}
