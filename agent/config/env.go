package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
)

// EnvPrefix starts the name of every environment variable the agent reads.
const EnvPrefix = "CREDITORS_AGENT_"

// GetenvOrDefault returns the value of key, or defaultValue when the
// variable is unset or blank.
func GetenvOrDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}

	return value
}

// GetenvBoolOrDefault returns the boolean value of key, or defaultValue
// when the variable is unset or not a boolean.
func GetenvBoolOrDefault(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(GetenvOrDefault(key, ""))
	if err != nil {
		return defaultValue
	}

	return value
}

// GetenvIntOrDefault returns the integer value of key, or defaultValue
// when the variable is unset or not an integer.
func GetenvIntOrDefault(key string, defaultValue int64) int64 {
	value, err := strconv.ParseInt(GetenvOrDefault(key, ""), 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// SetConfigFromEnvVars fills the fields of the struct s points to from the
// variables named by their `env` tags. Fields whose variable is unset keep
// their value. String, bool and integer fields are supported.
func SetConfigFromEnvVars(s any) error {
	v := reflect.ValueOf(s)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return ErrNotPointer
	}

	v = v.Elem()
	t := v.Type()

	for i := range t.NumField() {
		key, ok := t.Field(i).Tag.Lookup("env")
		if !ok || key == "" {
			continue
		}

		raw := GetenvOrDefault(key, "")
		if raw == "" {
			continue
		}

		field := v.Field(i)

		switch field.Kind() {
		case reflect.String:
			field.SetString(raw)
		case reflect.Bool:
			parsed, err := strconv.ParseBool(raw)
			if err != nil {
				return fmt.Errorf("parse %s: %w", key, err)
			}

			field.SetBool(parsed)
		case reflect.Int, reflect.Int32, reflect.Int64:
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return fmt.Errorf("parse %s: %w", key, err)
			}

			field.SetInt(parsed)
		default:
			return fmt.Errorf("config: unsupported kind %s of field %s", field.Kind(), t.Field(i).Name)
		}
	}

	return nil
}
