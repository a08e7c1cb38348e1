// Package envconf fills configuration structs from environment variables.
//
// Fields are bound with an env tag holding the variable name and an optional
// constraint:
//
//	Bucket    string        `env:"UPLOADER_BUCKET,required"`
//	Backend   string        `env:"UPLOADER_BACKEND,opt[s3,api]"`
//	StateDir  string        `env:"UPLOADER_STATE_DIR,dir"`
//	ChunkSize ByteSize      `env:"UPLOADER_CHUNK_SIZE"`
//	Paths     []string      `env:"UPLOADER_PATHS"`
//
// Empty variables leave the field untouched, so defaults can be set before Parse.
// List values are separated by "|".
package envconf

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

const (
	listSeparator = "|"
	maskedSecret  = "*****"
	unsetValue    = "<unset>"
)

// ErrNotStructPtr is returned when Parse does not get a pointer to a struct.
var ErrNotStructPtr = errors.New("input must be a pointer to a struct")

// EnvGetter reads environment variables. env.Repository satisfies it.
type EnvGetter interface {
	Get(key string) string
}

// Secret is a string that is masked when the configuration is printed.
type Secret string

// String implements fmt.Stringer.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return maskedSecret
}

// ByteSize is a size given in bytes or with a unit, like "8MiB" or "512k".
type ByteSize int64

// String implements fmt.Stringer.
func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

var (
	durationType = reflect.TypeOf(time.Duration(0))
	byteSizeType = reflect.TypeOf(ByteSize(0))
)

// Parse fills the env tagged fields of the struct input points to.
func Parse(input any, getter EnvGetter) error {
	v := reflect.ValueOf(input)
	if v.Kind() != reflect.Ptr || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return ErrNotStructPtr
	}
	v = v.Elem()
	t := v.Type()

	var errs []string
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag, ok := field.Tag.Lookup("env")
		if !ok || !field.IsExported() {
			continue
		}

		name, constraint := parseTag(tag)
		value := getter.Get(name)

		if err := validate(value, constraint); err != nil {
			errs = append(errs, fmt.Sprintf("- %s: %s", name, err))
			continue
		}
		if value == "" {
			continue
		}
		if err := setField(v.Field(i), value); err != nil {
			errs = append(errs, fmt.Sprintf("- %s: %s", name, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

// Print logs the env tagged fields of config, masking secrets.
func Print(config any, logger log.Logger) {
	lines := format(config)
	if len(lines) == 0 {
		return
	}
	logger.Infof("%s", lines[0])
	for _, line := range lines[1:] {
		logger.Printf("%s", line)
	}
}

func format(config any) []string {
	v := reflect.ValueOf(config)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}
	t := v.Type()

	lines := []string{toTitle(t.Name()) + ":"}
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		name := field.Name
		if tag, ok := field.Tag.Lookup("env"); ok {
			name, _ = parseTag(tag)
		}

		value := valueString(v.Field(i))
		if value == "" {
			value = unsetValue
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", name, value))
	}
	return lines
}

func parseTag(tag string) (string, string) {
	name, constraint, _ := strings.Cut(tag, ",")
	return strings.TrimSpace(name), strings.TrimSpace(constraint)
}

func validate(value, constraint string) error {
	switch {
	case constraint == "":
		return nil
	case constraint == "required":
		if value == "" {
			return errors.New("required variable is not present")
		}
	case constraint == "file", constraint == "dir":
		if value == "" {
			return nil
		}
		info, err := os.Stat(value)
		if err != nil {
			return fmt.Errorf("check path: %w", err)
		}
		if constraint == "dir" && !info.IsDir() {
			return errors.New("path is not a directory")
		}
		if constraint == "file" && info.IsDir() {
			return errors.New("path is a directory")
		}
	case strings.HasPrefix(constraint, "opt[") && strings.HasSuffix(constraint, "]"):
		if value == "" {
			return nil
		}
		options := parseOptions(strings.TrimSuffix(strings.TrimPrefix(constraint, "opt["), "]"))
		for _, opt := range options {
			if opt == value {
				return nil
			}
		}
		return fmt.Errorf("value %q is not one of: %s", value, strings.Join(options, ", "))
	default:
		return fmt.Errorf("invalid constraint %q", constraint)
	}
	return nil
}

// parseOptions splits a comma separated option list. Options containing commas are
// wrapped in single quotes.
func parseOptions(list string) []string {
	var options []string
	var current strings.Builder
	quoted := false

	for _, r := range list {
		switch {
		case r == '\'':
			quoted = !quoted
		case r == ',' && !quoted:
			options = append(options, strings.TrimSpace(current.String()))
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	return append(options, strings.TrimSpace(current.String()))
}

func setField(field reflect.Value, value string) error {
	if field.Kind() == reflect.Ptr {
		ptr := reflect.New(field.Type().Elem())
		if err := setField(ptr.Elem(), value); err != nil {
			return err
		}
		field.Set(ptr)
		return nil
	}

	switch field.Type() {
	case durationType:
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("parse duration: %w", err)
		}
		field.SetInt(int64(d))
		return nil
	case byteSizeType:
		size, err := units.RAMInBytes(value)
		if err != nil {
			return fmt.Errorf("parse size: %w", err)
		}
		field.SetInt(size)
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("parse int: %w", err)
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("parse uint: %w", err)
		}
		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("parse float: %w", err)
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported list type %s", field.Type())
		}
		var items []string
		for _, item := range strings.Split(value, listSeparator) {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		list := reflect.MakeSlice(field.Type(), len(items), len(items))
		for i, item := range items {
			list.Index(i).SetString(item)
		}
		field.Set(list)
	default:
		return fmt.Errorf("unsupported type %s", field.Type())
	}
	return nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "yes", "y", "true", "1":
		return true, nil
	case "no", "n", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid bool value %q", value)
}

func valueString(v reflect.Value) string {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return ""
		}
		v = v.Elem()
	}

	if s, ok := v.Interface().(fmt.Stringer); ok {
		return s.String()
	}
	switch v.Kind() {
	case reflect.Slice:
		if v.Len() == 0 {
			return ""
		}
		return fmt.Sprintf("%v", v.Interface())
	case reflect.String:
		return v.String()
	case reflect.Bool:
		if !v.Bool() {
			return ""
		}
	default:
		if v.IsZero() {
			return ""
		}
	}
	return fmt.Sprintf("%v", v.Interface())
}

func toTitle(s string) string {
	if s == "" {
		return "Config"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
