package main

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
	"styleai/services/stylesync/internal/server"
)

const schemaRefPrefix = "#/components/schemas/"

type openAPIDoc struct {
	Paths      map[string]map[string]any `yaml:"paths"`
	Components struct {
		Schemas map[string]schema `yaml:"schemas"`
	} `yaml:"components"`
}

type schema struct {
	Type       string            `yaml:"type"`
	Ref        string            `yaml:"$ref"`
	Properties map[string]schema `yaml:"properties"`
	Required   []string          `yaml:"required"`
	Items      *schema           `yaml:"items"`
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

func check(doc openAPIDoc) []error {
	var errs []error
	if err := validateErrorResponse(doc); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, checkPaths(doc)...)
	errs = append(errs, checkRefs(doc)...)
	return errs
}

// validateErrorResponse matches the envelope written by the server's
// writeError.
func validateErrorResponse(doc openAPIDoc) error {
	s, ok := doc.Components.Schemas["ErrorResponse"]
	if !ok {
		return errors.New("schema \"ErrorResponse\" missing")
	}
	if s.Type != "object" {
		return errors.New("ErrorResponse must be object")
	}
	required := makeSet(s.Required)
	for _, field := range []string{"error", "code"} {
		if !required[field] {
			return fmt.Errorf("ErrorResponse.required must include %q", field)
		}
	}
	for _, field := range []string{"error", "code", "requestId"} {
		prop, ok := s.Properties[field]
		if !ok || prop.Type != "string" {
			return fmt.Errorf("ErrorResponse.%s must be string", field)
		}
	}
	return nil
}

func checkPaths(doc openAPIDoc) []error {
	var errs []error
	routed := server.Paths()
	for _, p := range routed {
		if _, ok := doc.Paths[p]; !ok {
			errs = append(errs, fmt.Errorf("route %s is not documented", p))
		}
	}
	documented := make([]string, 0, len(doc.Paths))
	for p := range doc.Paths {
		documented = append(documented, p)
	}
	sort.Strings(documented)
	for _, p := range documented {
		if !slices.Contains(routed, p) {
			errs = append(errs, fmt.Errorf("documented path %s is not routed", p))
		}
	}
	return errs
}

func checkRefs(doc openAPIDoc) []error {
	var errs []error
	names := make([]string, 0, len(doc.Components.Schemas))
	for name := range doc.Components.Schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	var walk func(where string, s schema)
	walk = func(where string, s schema) {
		if ref := strings.TrimSpace(s.Ref); ref != "" {
			target := strings.TrimPrefix(ref, schemaRefPrefix)
			if !strings.HasPrefix(ref, schemaRefPrefix) || !slices.Contains(names, target) {
				errs = append(errs, fmt.Errorf("%s: unresolved $ref %q", where, ref))
			}
		}
		if s.Items != nil {
			walk(where+".items", *s.Items)
		}
		for prop, ps := range s.Properties {
			walk(where+"."+prop, ps)
		}
	}
	for _, name := range names {
		walk(name, doc.Components.Schemas[name])
	}
	return errs
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
