package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// EnvVar 描述一个可由环境变量覆盖的配置项
type EnvVar struct {
	Key  string // 例如 DAGFLOW_ENGINE_MAX_PARALLEL_STEPS
	Path string // 例如 engine.max_parallel_steps
	Type string
}

var durationType = reflect.TypeOf(time.Duration(0))

// EnvVars 列出 prefix 下所有可识别的环境变量，顺序与结构体字段一致
func EnvVars(prefix string) []EnvVar {
	var out []EnvVar
	walkEnv(reflect.TypeOf(Config{}), prefix, "", nil, func(key, path string, f reflect.StructField) {
		out = append(out, EnvVar{Key: key, Path: path, Type: typeName(f.Type)})
	})
	return out
}

// applyEnv 用 lookup 查到的值覆盖 cfg。duration 使用 time.ParseDuration 语法，
// 字符串切片以逗号分隔。
func applyEnv(cfg *Config, prefix string, lookup func(string) (string, bool)) error {
	root := reflect.ValueOf(cfg).Elem()
	var firstErr error
	walkEnv(root.Type(), prefix, "", nil, func(key, path string, f reflect.StructField) {
		if firstErr != nil {
			return
		}
		raw, ok := lookup(key)
		if !ok || raw == "" {
			return
		}
		field := root.FieldByIndex(f.Index)
		if err := parseInto(field, raw); err != nil {
			firstErr = fmt.Errorf("%s: %w", key, err)
		}
	})
	return firstErr
}

// walkEnv 遍历带 env 标签的叶子字段；传给 fn 的 StructField.Index 是相对根类型的完整路径
func walkEnv(t reflect.Type, prefix, path string, index []int, fn func(key, path string, f reflect.StructField)) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag
		p := yamlName(f)
		if path != "" {
			p = path + "." + p
		}
		idx := append(append([]int(nil), index...), i)

		if f.Type.Kind() == reflect.Struct && f.Type != durationType {
			walkEnv(f.Type, key, p, idx, fn)
			continue
		}
		f.Index = idx
		fn(key, p, f)
	}
}

func yamlName(f reflect.StructField) string {
	if name, _, _ := strings.Cut(f.Tag.Get("yaml"), ","); name != "" {
		return name
	}
	return strings.ToLower(f.Name)
}

func typeName(t reflect.Type) string {
	switch {
	case t == durationType:
		return "duration"
	case t.Kind() == reflect.Slice:
		return "list"
	default:
		return t.Kind().String()
	}
}

func parseInto(field reflect.Value, raw string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		n, err := strconv.ParseFloat(raw, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetFloat(n)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported list element %s", field.Type().Elem())
		}
		var items []string
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				items = append(items, part)
			}
		}
		field.Set(reflect.ValueOf(items))
	default:
		return fmt.Errorf("unsupported kind %s", field.Kind())
	}
	return nil
}
