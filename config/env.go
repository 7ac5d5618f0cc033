package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// applyEnv walks the config struct and overrides any field whose
// environment variable is set. Names are the uppercased yaml path joined
// with underscores: orchestrator.max_concurrent_jobs is overridden by
// ORCHESTRATOR_MAX_CONCURRENT_JOBS, agents.builder.image_name by
// AGENTS_BUILDER_IMAGE_NAME. Environment always wins over the file.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	return walkEnv(nil, reflect.ValueOf(cfg).Elem(), lookup)
}

func walkEnv(path []string, v reflect.Value, lookup func(string) (string, bool)) error {
	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			tag := t.Field(i).Tag.Get("yaml")
			if tag == "" || tag == "-" {
				continue
			}
			name, _, _ := strings.Cut(tag, ",")
			if err := walkEnv(append(path, name), v.Field(i), lookup); err != nil {
				return err
			}
		}
		return nil

	case reflect.Map:
		// Map values aren't addressable, so each entry is copied out,
		// walked, and stored back.
		for _, key := range v.MapKeys() {
			elem := reflect.New(v.Type().Elem()).Elem()
			elem.Set(v.MapIndex(key))
			if err := walkEnv(append(path, key.String()), elem, lookup); err != nil {
				return err
			}
			v.SetMapIndex(key, elem)
		}
		return nil
	}

	envName := strings.ToUpper(strings.Join(path, "_"))
	raw, ok := lookup(envName)
	if !ok {
		return nil
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(raw)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: expected integer, got %q", envName, raw)
		}
		v.SetInt(n)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("%s: expected number, got %q", envName, raw)
		}
		v.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%s: expected boolean, got %q", envName, raw)
		}
		v.SetBool(b)

	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("%s: unsupported slice override", envName)
		}
		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		v.Set(reflect.ValueOf(out))

	default:
		return fmt.Errorf("%s: unsupported override kind %s", envName, v.Kind())
	}
	return nil
}
