package domain

import (
	"reflect"
	"strings"
)

// FieldNames lists the JSON names of the exported fields of a struct value.
func FieldNames(v any) []string {
	t := reflect.TypeOf(v)
	if t.Kind() != reflect.Struct {
		return nil
	}
	names := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if name := jsonName(t.Field(i)); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// ChangedFields returns the JSON names of the fields that differ between
// old and next, in declaration order.
func ChangedFields[T any](old, next T) []string {
	ov, nv := reflect.ValueOf(old), reflect.ValueOf(next)
	if ov.Kind() != reflect.Struct {
		return nil
	}
	t := ov.Type()
	var changed []string
	for i := 0; i < t.NumField(); i++ {
		name := jsonName(t.Field(i))
		if name == "" {
			continue
		}
		if !fieldEqual(ov.Field(i), nv.Field(i)) {
			changed = append(changed, name)
		}
	}
	return changed
}

// Project returns a copy of v in which every field not named in fields is
// reset to its zero value.
func Project[T any](v T, fields []string) T {
	keep := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		keep[f] = struct{}{}
	}
	var out T
	src := reflect.ValueOf(v)
	if src.Kind() != reflect.Struct {
		return v
	}
	dst := reflect.ValueOf(&out).Elem()
	t := src.Type()
	for i := 0; i < t.NumField(); i++ {
		if _, ok := keep[jsonName(t.Field(i))]; ok {
			dst.Field(i).Set(src.Field(i))
		}
	}
	return out
}

func jsonName(f reflect.StructField) string {
	if !f.IsExported() {
		return ""
	}
	tag := f.Tag.Get("json")
	if tag == "-" {
		return ""
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return f.Name
	}
	return name
}

var extrasType = reflect.TypeOf(Extras{})

func fieldEqual(a, b reflect.Value) bool {
	if a.Type() == extrasType {
		return a.Interface().(Extras).Equal(b.Interface().(Extras))
	}
	if a.Kind() == reflect.Slice && a.Len() == 0 && b.Len() == 0 {
		return true
	}
	return reflect.DeepEqual(a.Interface(), b.Interface())
}
