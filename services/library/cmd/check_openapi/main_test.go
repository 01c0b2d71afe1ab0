package main

import (
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"libraryrecords/pkg/domain"
	"libraryrecords/services/library/internal/server"
)

func TestLibraryDocMatchesWireTypes(t *testing.T) {
	doc, err := loadDoc(filepath.Join("..", "..", "openapi.yaml"))
	if err != nil {
		t.Fatalf("load doc: %v", err)
	}
	if err := check(doc); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestShapeFromType(t *testing.T) {
	shape := shapeFromType(reflect.TypeOf(domain.BorrowRecord{}))
	if got := strings.Join(shape.Required, ","); got != "book_id,borrow_date,borrow_id,return_date,user_id" {
		t.Fatalf("required = %s", got)
	}
	if p := shape.Properties["return_date"]; p.Type != "string" || !p.Nullable {
		t.Fatalf("return_date shape = %+v", p)
	}
	if p := shape.Properties["borrow_id"]; p.Type != "integer" || p.Nullable {
		t.Fatalf("borrow_id shape = %+v", p)
	}
}

func TestCheckDetectsDrift(t *testing.T) {
	doc, err := loadDoc(filepath.Join("..", "..", "openapi.yaml"))
	if err != nil {
		t.Fatalf("load doc: %v", err)
	}
	user := doc.Components.Schemas["User"]
	delete(user.Properties, "email")
	doc.Components.Schemas["User"] = user
	if err := check(doc); err == nil {
		t.Fatalf("expected drift in User to be reported")
	}

	doc, _ = loadDoc(filepath.Join("..", "..", "openapi.yaml"))
	delete(doc.Paths, "/borrowed-books/return/")
	if err := check(doc); err == nil || !strings.Contains(err.Error(), "not documented") {
		t.Fatalf("expected missing path error, got %v", err)
	}
}

func TestCheckRoutesFollowsServer(t *testing.T) {
	doc, err := loadDoc(filepath.Join("..", "..", "openapi.yaml"))
	if err != nil {
		t.Fatalf("load doc: %v", err)
	}
	routes := append(server.Routes(), server.Route{Method: "DELETE", Path: "/book/{book_id}/"})
	if err := checkRoutes(doc, routes); err == nil || !strings.Contains(err.Error(), "missing DELETE") {
		t.Fatalf("expected undocumented method error, got %v", err)
	}

	routes = append(server.Routes(), server.Route{Method: "GET", Path: "/shelf/"})
	if err := checkRoutes(doc, routes); err == nil || !strings.Contains(err.Error(), "not documented") {
		t.Fatalf("expected undocumented path error, got %v", err)
	}

	doc.Paths["/book/{book_id}/"]["delete"] = doc.Paths["/book/{book_id}/"]["get"]
	if err := checkRoutes(doc, server.Routes()); err == nil || !strings.Contains(err.Error(), "not served") {
		t.Fatalf("expected unserved method error, got %v", err)
	}
}
