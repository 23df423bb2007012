package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
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
	Properties map[string]schema `yaml:"properties"`
	Required   []string          `yaml:"required"`
	Items      *schema           `yaml:"items"`
	AllOf      []schema          `yaml:"allOf"`
}

type schemaShape struct {
	Required   []string
	Properties map[string]propertyShape
}

type propertyShape struct {
	Type  string
	Ref   string
	Items string
}

// Routes served by services/messaging/internal/server. Keep in sync with routes().
var publicRoutes = []string{
	"GET /healthz",
	"GET /metrics",
	"GET /api/conversations",
	"GET /api/conversations/unread-count",
	"POST /api/conversations/booking",
	"POST /api/conversations/direct",
	"GET /api/conversations/{id}",
	"DELETE /api/conversations/{id}",
	"POST /api/conversations/{id}/archive",
	"POST /api/conversations/{id}/unarchive",
	"POST /api/conversations/{id}/read",
	"POST /api/conversations/{id}/attachments",
	"GET /api/conversations/{id}/messages",
	"POST /api/conversations/{id}/messages",
	"GET /api/messages/search",
	"PATCH /api/messages/{id}",
	"DELETE /api/messages/{id}",
	"GET /ws",
}

var internalRoutes = []string{
	"POST /internal/bookings/{id}/close",
}

var pageSchemas = map[string]string{
	"ConversationPage": "#/components/schemas/ConversationView",
	"MessagePage":      "#/components/schemas/Message",
}

var httpMethods = map[string]bool{
	"get": true, "put": true, "post": true, "delete": true,
	"options": true, "head": true, "patch": true, "trace": true,
}

func main() {
	publicPath := "api/messaging-openapi.yaml"
	internalPath := "api/messaging-internal-openapi.yaml"
	if len(os.Args) > 1 {
		publicPath = os.Args[1]
	}
	if len(os.Args) > 2 {
		internalPath = os.Args[2]
	}
	if err := check(publicPath, internalPath); err != nil {
		exitErr(err)
	}
	fmt.Println("openapi check passed")
}

func check(publicPath, internalPath string) error {
	public, err := loadDoc(publicPath)
	if err != nil {
		return err
	}
	internal, err := loadDoc(internalPath)
	if err != nil {
		return err
	}

	publicErr, err := getSchema(public, "ErrorResponse", publicPath)
	if err != nil {
		return err
	}
	internalErr, err := getSchema(internal, "ErrorResponse", internalPath)
	if err != nil {
		return err
	}
	if err := validateErrorResponse(publicErr, publicPath); err != nil {
		return err
	}
	if err := validateErrorResponse(internalErr, internalPath); err != nil {
		return err
	}
	if err := ensureSameShape("ErrorResponse", shapeFromSchema(publicErr), shapeFromSchema(internalErr)); err != nil {
		return err
	}

	for name, itemRef := range pageSchemas {
		s, err := getSchema(public, name, publicPath)
		if err != nil {
			return err
		}
		if err := validatePage(name, s, itemRef); err != nil {
			return err
		}
	}

	if err := validateRoutes(public, publicPath, publicRoutes); err != nil {
		return err
	}
	return validateRoutes(internal, internalPath, internalRoutes)
}

func loadDoc(path string) (openAPIDoc, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return openAPIDoc{}, fmt.Errorf("read %s: %w", path, err)
	}
	var doc openAPIDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return openAPIDoc{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func getSchema(doc openAPIDoc, name, path string) (schema, error) {
	s, ok := doc.Components.Schemas[name]
	if !ok {
		return schema{}, fmt.Errorf("%s: missing components.schemas.%s", path, name)
	}
	return s, nil
}

// validateErrorResponse matches the body written by the server's writeError.
func validateErrorResponse(s schema, path string) error {
	if s.Type != "object" {
		return fmt.Errorf("%s: ErrorResponse.type must be object", path)
	}
	required := makeSet(s.Required)
	if !required["error"] {
		return fmt.Errorf("%s: ErrorResponse.required missing error", path)
	}
	prop, ok := s.Properties["error"]
	if !ok {
		return fmt.Errorf("%s: ErrorResponse.properties missing error", path)
	}
	if prop.Type != "string" {
		return fmt.Errorf("%s: ErrorResponse.error must be string", path)
	}
	return nil
}

func validatePage(name string, s schema, itemRef string) error {
	if s.Type != "object" {
		return fmt.Errorf("%s.type must be object", name)
	}
	required := makeSet(s.Required)
	for _, field := range []string{"items", "page", "limit", "total"} {
		if !required[field] {
			return fmt.Errorf("%s.required missing %s", name, field)
		}
	}
	items, ok := s.Properties["items"]
	if !ok || items.Type != "array" || items.Items == nil {
		return fmt.Errorf("%s.items must be an array", name)
	}
	if items.Items.Ref != itemRef {
		return fmt.Errorf("%s.items must reference %s, got %q", name, itemRef, items.Items.Ref)
	}
	for _, field := range []string{"page", "limit", "total"} {
		if s.Properties[field].Type != "integer" {
			return fmt.Errorf("%s.%s must be integer", name, field)
		}
	}
	return nil
}

// validateRoutes requires the document to describe exactly the served routes.
func validateRoutes(doc openAPIDoc, path string, want []string) error {
	documented := map[string]bool{}
	for p, ops := range doc.Paths {
		for method := range ops {
			if !httpMethods[method] {
				continue
			}
			documented[strings.ToUpper(method)+" "+p] = true
		}
	}
	var missing, extra []string
	wantSet := makeSet(want)
	for route := range wantSet {
		if !documented[route] {
			missing = append(missing, route)
		}
	}
	for route := range documented {
		if !wantSet[route] {
			extra = append(extra, route)
		}
	}
	sort.Strings(missing)
	sort.Strings(extra)
	if len(missing) > 0 {
		return fmt.Errorf("%s: undocumented routes: %s", path, strings.Join(missing, ", "))
	}
	if len(extra) > 0 {
		return fmt.Errorf("%s: documented routes not served: %s", path, strings.Join(extra, ", "))
	}
	return nil
}

func shapeFromSchema(s schema) schemaShape {
	required := append([]string(nil), s.Required...)
	sort.Strings(required)
	props := make(map[string]propertyShape, len(s.Properties))
	for name, prop := range s.Properties {
		shape := propertyShape{Type: prop.Type, Ref: prop.Ref}
		if prop.Items != nil {
			shape.Items = prop.Items.Ref
			if shape.Items == "" {
				shape.Items = prop.Items.Type
			}
		}
		props[name] = shape
	}
	return schemaShape{Required: required, Properties: props}
}

func ensureSameShape(name string, a, b schemaShape) error {
	if strings.Join(a.Required, ",") != strings.Join(b.Required, ",") {
		return fmt.Errorf("%s required mismatch: public=%v internal=%v", name, a.Required, b.Required)
	}
	if len(a.Properties) != len(b.Properties) {
		return fmt.Errorf("%s properties count mismatch: public=%d internal=%d", name, len(a.Properties), len(b.Properties))
	}
	for prop, shapeA := range a.Properties {
		shapeB, ok := b.Properties[prop]
		if !ok {
			return fmt.Errorf("%s property %s missing in internal", name, prop)
		}
		if shapeA != shapeB {
			return fmt.Errorf("%s property %s mismatch: public=%+v internal=%+v", name, prop, shapeA, shapeB)
		}
	}
	return nil
}

func makeSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		out[item] = true
	}
	return out
}

func exitErr(err error) {
	fmt.Fprintf(os.Stderr, "openapi check failed: %v\n", err)
	os.Exit(1)
}
