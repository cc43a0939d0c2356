package postgres

import (
	"database/sql"
	"fmt"
	"testing"

	"entsession/pkg/entity"
	"entsession/pkg/mapping"
)

type Widget struct {
	ID   int    `orm:"id,pk" json:"id"`
	Name string `orm:"name" json:"name"`
}

func newMapping(t *testing.T) (*mapping.Mapping, *entity.Descriptor) {
	t.Helper()
	m := mapping.New()
	return m, m.MustRegister("widget", Widget{})
}

func TestNewStoreSurfacesOpenFailure(t *testing.T) {
	m, widgets := newMapping(t)
	orig := sqlOpen
	sqlOpen = func(driver, dsn string) (*sql.DB, error) {
		if driver != defaultDriver {
			t.Fatalf("driver %q", driver)
		}
		if dsn != defaultDSN {
			t.Fatalf("default DSN not applied: %q", dsn)
		}
		return nil, fmt.Errorf("refused")
	}
	defer func() { sqlOpen = orig }()

	if _, err := NewStore("", m, widgets); err == nil {
		t.Fatalf("expected open failure")
	}
}

func TestTextRendersDefaultScan(t *testing.T) {
	m, widgets := newMapping(t)
	s := &Store{mapping: m}
	want := `SELECT payload FROM "widget" ORDER BY pk`
	if got := s.Text(entity.Command{Descriptor: widgets}); got != want {
		t.Fatalf("text %q", got)
	}
	if got := s.Text(entity.Command{Text: "custom"}); got != "custom" {
		t.Fatalf("text %q", got)
	}
	if got := s.Text(entity.Command{}); got != "" {
		t.Fatalf("text %q", got)
	}
}

func TestProjectorDecodesPayload(t *testing.T) {
	m, widgets := newMapping(t)
	s := &Store{mapping: m}
	v, err := s.Projector(widgets)([]byte(`{"id":7,"name":"bolt"}`))
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	w := v.(*Widget)
	if w.ID != 7 || w.Name != "bolt" {
		t.Fatalf("decoded %+v", w)
	}
	if _, err := s.Projector(widgets)("not bytes"); err == nil {
		t.Fatalf("non-byte row must fail")
	}
}
