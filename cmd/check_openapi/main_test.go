package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const (
	publicDoc   = "../../api/messaging-openapi.yaml"
	internalDoc = "../../api/messaging-internal-openapi.yaml"
)

func TestCheckedInDocsPass(t *testing.T) {
	if err := check(publicDoc, internalDoc); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func writeDoc(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write doc: %v", err)
	}
	return path
}

func TestCheckReportsUndocumentedRoute(t *testing.T) {
	raw, err := os.ReadFile(internalDoc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	broken := strings.Replace(string(raw), "/internal/bookings/{id}/close", "/internal/bookings/{id}/shut", 1)
	err = check(publicDoc, writeDoc(t, broken))
	if err == nil || !strings.Contains(err.Error(), "POST /internal/bookings/{id}/close") {
		t.Fatalf("expected undocumented route error, got %v", err)
	}
}

func TestValidateErrorResponseRequiresErrorField(t *testing.T) {
	path := writeDoc(t, `
components:
  schemas:
    ErrorResponse:
      type: object
      properties:
        message: { type: string }
`)
	doc, err := loadDoc(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	s, err := getSchema(doc, "ErrorResponse", path)
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	if err := validateErrorResponse(s, path); err == nil {
		t.Fatalf("expected error for missing error field")
	}
}

func TestValidatePageChecksItemReference(t *testing.T) {
	s := schema{
		Type:     "object",
		Required: []string{"items", "page", "limit", "total"},
		Properties: map[string]schema{
			"items": {Type: "array", Items: &schema{Ref: "#/components/schemas/Conversation"}},
			"page":  {Type: "integer"},
			"limit": {Type: "integer"},
			"total": {Type: "integer"},
		},
	}
	if err := validatePage("MessagePage", s, "#/components/schemas/Message"); err == nil {
		t.Fatalf("expected item reference mismatch")
	}
	s.Properties["items"] = schema{Type: "array", Items: &schema{Ref: "#/components/schemas/Message"}}
	if err := validatePage("MessagePage", s, "#/components/schemas/Message"); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestEnsureSameShapeDetectsDrift(t *testing.T) {
	a := shapeFromSchema(schema{Required: []string{"error"}, Properties: map[string]schema{"error": {Type: "string"}}})
	b := shapeFromSchema(schema{Required: []string{"error"}, Properties: map[string]schema{"error": {Type: "object"}}})
	if err := ensureSameShape("ErrorResponse", a, b); err == nil {
		t.Fatalf("expected mismatch")
	}
	if err := ensureSameShape("ErrorResponse", a, a); err != nil {
		t.Fatalf("same shape: %v", err)
	}
}
