package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/joho/godotenv"
	ini "github.com/lars-t-hansen/ini"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/tigerroll/ioprov/pkg/prov/support/util/exception"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/logger"
)

const moduleName = "config"

// EnvPrefix prefixes environment overrides: IOPROV_<SECTION>_<KEY>.
const EnvPrefix = "IOPROV"

// Load reads the INI file at path, applies .env and environment overrides and
// loads the MDT mount map. It does not validate; see Validate.
func Load(path, envFilePath string) (*Config, error) {
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			logger.Warnf(".env file (%s) could not be loaded: %v", envFilePath, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, exception.NewProvErrorf(exception.KindConfig, moduleName, "read %s", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if cfg.Lustre.MDTMountJSON != "" {
		mountFile := cfg.Lustre.MDTMountJSON
		if !filepath.IsAbs(mountFile) {
			mountFile = filepath.Join(filepath.Dir(path), mountFile)
		}
		if cfg.Lustre.MDTMounts, err = LoadMounts(mountFile); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Parse decodes INI bytes over the defaults and applies environment overrides.
func Parse(data []byte) (*Config, error) {
	cfg := NewConfig()
	raw, err := parseINI(cfg, data)
	if err != nil {
		return nil, err
	}
	applyEnv(cfg, raw)
	if err := bindSections(cfg, raw); err != nil {
		return nil, err
	}
	return cfg, nil
}

// sections enumerates the `ini`-tagged section structs of cfg.
func sections(cfg *Config) map[string]reflect.Value {
	out := make(map[string]reflect.Value)
	v := reflect.ValueOf(cfg).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		name := t.Field(i).Tag.Get("ini")
		if name == "" || name == "-" {
			continue
		}
		out[name] = v.Field(i)
	}
	return out
}

// sectionKeys enumerates the `ini` keys of one section struct.
func sectionKeys(section reflect.Value) []string {
	var keys []string
	t := section.Type()
	for i := 0; i < t.NumField(); i++ {
		key := t.Field(i).Tag.Get("ini")
		if key == "" || key == "-" {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

// parseINI registers every known section and key with the ini parser and
// collects the values present in data.
func parseINI(cfg *Config, data []byte) (map[string]map[string]interface{}, error) {
	p := ini.NewParser()
	fields := make(map[string]map[string]*ini.Field)
	for name, sec := range sections(cfg) {
		s := p.AddSection(name)
		fields[name] = make(map[string]*ini.Field)
		for _, key := range sectionKeys(sec) {
			fields[name][key] = s.AddString(key)
		}
	}

	store, err := p.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, exception.NewProvError(exception.KindConfig, moduleName, "parse ini", err)
	}

	raw := make(map[string]map[string]interface{})
	for name, keys := range fields {
		raw[name] = make(map[string]interface{})
		for key, f := range keys {
			if f.Present(store) {
				raw[name][key] = strings.TrimSpace(f.StringVal(store))
			}
		}
	}
	return raw, nil
}

// applyEnv overrides raw values with IOPROV_<SECTION>_<KEY> variables.
func applyEnv(cfg *Config, raw map[string]map[string]interface{}) {
	for name, sec := range sections(cfg) {
		for _, key := range sectionKeys(sec) {
			envVarName := strings.ToUpper(EnvPrefix + "_" + name + "_" + key)
			if v, ok := os.LookupEnv(envVarName); ok {
				raw[name][key] = v
			}
		}
	}
}

// bindSections decodes each raw section over its defaults.
func bindSections(cfg *Config, raw map[string]map[string]interface{}) error {
	for name, sec := range sections(cfg) {
		if len(raw[name]) == 0 {
			continue
		}
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			DecodeHook:       iniValueHook,
			WeaklyTypedInput: true,
			TagName:          "ini",
			Result:           sec.Addr().Interface(),
		})
		if err != nil {
			return exception.NewProvError(exception.KindConfig, moduleName, "create decoder", err)
		}
		if err := dec.Decode(raw[name]); err != nil {
			return exception.NewProvErrorf(exception.KindConfig, moduleName, "invalid value in [%s]", name, err)
		}
	}
	return nil
}

// iniValueHook turns comma separated strings into slices and accepts
// yes/no/on/off for booleans.
func iniValueHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	s, ok := data.(string)
	if !ok || from.Kind() != reflect.String {
		return data, nil
	}
	switch to.Kind() {
	case reflect.Slice:
		out := []string{}
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	case reflect.Bool:
		switch strings.ToLower(s) {
		case "yes", "on":
			return true, nil
		case "no", "off", "":
			return false, nil
		}
	}
	return data, nil
}

// LoadMounts reads the MDT -> mount points map. The file may be JSON or YAML.
func LoadMounts(path string) (map[string][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, exception.NewProvErrorf(exception.KindConfig, moduleName, "read mdt mount map %s", path, err)
	}
	mounts := make(map[string][]string)
	if err := yaml.Unmarshal(data, &mounts); err != nil {
		return nil, exception.NewProvErrorf(exception.KindConfig, moduleName, "decode mdt mount map %s", path, err)
	}
	return mounts, nil
}

// String is used in log lines; it never prints secrets.
func (c *Config) String() string {
	return fmt.Sprintf("mds_hosts=%v oss_hosts=%v mdts=%v broker=%s:%d flush=%ds clusters=%v",
		c.Lustre.MDSHosts, c.Lustre.OSSHosts, c.Lustre.MDTTargets,
		c.RabbitMQ.Server, c.RabbitMQ.Port, c.Aggregator.Interval, c.UGE.Clusters)
}
