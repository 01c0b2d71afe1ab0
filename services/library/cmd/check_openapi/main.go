package main

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"slices"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"libraryrecords/pkg/domain"
	"libraryrecords/pkg/events"
	"libraryrecords/services/library/internal/server"
)

type openAPIDoc struct {
	Paths      map[string]map[string]yaml.Node `yaml:"paths"`
	Components struct {
		Schemas map[string]schema `yaml:"schemas"`
	} `yaml:"components"`
}

type schema struct {
	Type       string            `yaml:"type"`
	Ref        string            `yaml:"$ref"`
	Nullable   bool              `yaml:"nullable"`
	Properties map[string]schema `yaml:"properties"`
	Required   []string          `yaml:"required"`
	Items      *schema           `yaml:"items"`
}

type schemaShape struct {
	Type       string
	Required   []string
	Properties map[string]propertyShape
}

type propertyShape struct {
	Type     string
	Nullable bool
}

// wireTypes are the response bodies whose documented schema must match the
// JSON encoding of the Go type.
var wireTypes = map[string]any{
	"User":         domain.User{},
	"Book":         domain.Book{},
	"BookDetails":  domain.BookDetails{},
	"BorrowRecord": domain.BorrowRecord{},
	"LedgerEvent":  events.LedgerEvent{},
}

var (
	dateType = reflect.TypeOf(domain.Date{})
	timeType = reflect.TypeOf(time.Time{})
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <library-openapi.yaml>\n", os.Args[0])
		os.Exit(2)
	}
	doc, err := loadDoc(os.Args[1])
	if err != nil {
		exitErr(err)
	}
	if err := check(doc); err != nil {
		exitErr(err)
	}
	fmt.Println("OpenAPI consistency check passed.")
}

func check(doc openAPIDoc) error {
	errResp, err := getSchema(doc, "ErrorResponse")
	if err != nil {
		return err
	}
	if err := validateErrorResponse(errResp); err != nil {
		return err
	}
	names := make([]string, 0, len(wireTypes))
	for name := range wireTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s, err := getSchema(doc, name)
		if err != nil {
			return err
		}
		if err := ensureSameShape(name, shapeFromType(reflect.TypeOf(wireTypes[name])), shapeFromSchema(s)); err != nil {
			return err
		}
	}
	return checkRoutes(doc, server.Routes())
}

func loadDoc(path string) (openAPIDoc, error) {
	var doc openAPIDoc
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func getSchema(doc openAPIDoc, name string) (schema, error) {
	if doc.Components.Schemas == nil {
		return schema{}, errors.New("components.schemas missing")
	}
	s, ok := doc.Components.Schemas[name]
	if !ok {
		return schema{}, fmt.Errorf("schema %q missing", name)
	}
	return s, nil
}

func validateErrorResponse(s schema) error {
	if s.Type != "object" {
		return errors.New("ErrorResponse must be object")
	}
	required := makeSet(s.Required)
	for _, field := range []string{"detail", "code"} {
		if !required[field] {
			return fmt.Errorf("ErrorResponse.required must include %q", field)
		}
	}
	for _, field := range []string{"detail", "code", "requestId"} {
		prop, ok := s.Properties[field]
		if !ok || prop.Type != "string" {
			return fmt.Errorf("ErrorResponse.%s must be string", field)
		}
	}
	return nil
}

func checkRoutes(doc openAPIDoc, routes []server.Route) error {
	served := make(map[string][]string, len(routes))
	for _, rt := range routes {
		served[rt.Path] = append(served[rt.Path], strings.ToLower(rt.Method))
	}
	paths := make([]string, 0, len(served))
	for path := range served {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		ops, ok := doc.Paths[path]
		if !ok {
			return fmt.Errorf("path %q not documented", path)
		}
		for _, method := range served[path] {
			if _, ok := ops[method]; !ok {
				return fmt.Errorf("path %q missing %s operation", path, strings.ToUpper(method))
			}
		}
		for method := range ops {
			if !slices.Contains(served[path], method) && method != "parameters" {
				return fmt.Errorf("path %q documents %s but it is not served", path, strings.ToUpper(method))
			}
		}
	}
	for path := range doc.Paths {
		if _, ok := served[path]; !ok {
			return fmt.Errorf("path %q documented but not served", path)
		}
	}
	return nil
}

func shapeFromSchema(s schema) schemaShape {
	out := schemaShape{
		Type:       s.Type,
		Required:   append([]string(nil), s.Required...),
		Properties: make(map[string]propertyShape, len(s.Properties)),
	}
	sort.Strings(out.Required)
	for name, prop := range s.Properties {
		out.Properties[name] = propertyShape{Type: prop.Type, Nullable: prop.Nullable}
	}
	return out
}

// shapeFromType derives the schema encoding/json produces for t. Fields
// without omitempty are always present and therefore required.
func shapeFromType(t reflect.Type) schemaShape {
	out := schemaShape{Type: "object", Properties: make(map[string]propertyShape)}
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("json")
		if !field.IsExported() || tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		if name == "" {
			name = field.Name
		}
		ft := field.Type
		nullable := false
		if ft.Kind() == reflect.Pointer {
			nullable = true
			ft = ft.Elem()
		}
		out.Properties[name] = propertyShape{Type: jsonType(ft), Nullable: nullable}
		if !strings.Contains(opts, "omitempty") {
			out.Required = append(out.Required, name)
		}
	}
	sort.Strings(out.Required)
	return out
}

func jsonType(t reflect.Type) string {
	switch {
	case t == dateType, t == timeType:
		return "string"
	}
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Slice, reflect.Array:
		return "array"
	default:
		return "object"
	}
}

func ensureSameShape(name string, code, documented schemaShape) error {
	if code.Type != documented.Type {
		return fmt.Errorf("%s type mismatch: %q vs %q", name, code.Type, documented.Type)
	}
	if strings.Join(code.Required, ",") != strings.Join(documented.Required, ",") {
		return fmt.Errorf("%s required mismatch: %v vs %v", name, code.Required, documented.Required)
	}
	if len(code.Properties) != len(documented.Properties) {
		return fmt.Errorf("%s property count mismatch: %d vs %d", name, len(code.Properties), len(documented.Properties))
	}
	for key, codeProp := range code.Properties {
		docProp, ok := documented.Properties[key]
		if !ok {
			return fmt.Errorf("%s missing property %q in openapi schema", name, key)
		}
		if codeProp != docProp {
			return fmt.Errorf("%s property %q mismatch: %+v vs %+v", name, key, codeProp, docProp)
		}
	}
	return nil
}

func makeSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out[item] = true
	}
	return out
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
