package binding

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Account struct {
	ID        uint `gorm:"primaryKey"`
	Email     string
	HubspotID *string
	UpdatedAt time.Time
}

type Invoice struct {
	ID        uint    `gorm:"primaryKey"`
	Number    string  `json:"number"`
	Total     float64 `json:"total"`
	AccountID *uint
	Account   *Account
	UpdatedAt time.Time
}

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(&Account{}, &Invoice{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func validBinding() *Binding {
	return &Binding{
		Serializer:    SerializerFunc(func(any) (map[string]any, error) { return map[string]any{}, nil }),
		CRMObjectType: "accounts",
	}
}

func TestRegistry_RegisterValidates(t *testing.T) {
	registry := NewRegistry()

	if err := registry.Register(&Account{}, "hubspot", &Binding{CRMObjectType: "accounts"}); err == nil {
		t.Error("expected error for missing serializer")
	}
	if err := registry.Register(&Account{}, "hubspot", &Binding{
		Serializer: SerializerFunc(func(any) (map[string]any, error) { return nil, nil }),
	}); err == nil {
		t.Error("expected error for missing object type")
	}
	if err := registry.Register(42, "hubspot", validBinding()); err == nil {
		t.Error("expected error for non-struct prototype")
	}
	if err := registry.Register(&Account{}, "hubspot", validBinding()); err != nil {
		t.Errorf("expected valid registration, got %v", err)
	}
}

func TestRegistry_LookupAndNewRecord(t *testing.T) {
	registry := NewRegistry()
	_ = registry.Register(&Account{}, "HubSpot", validBinding())

	// CRM names canonicalize on both ends
	if _, ok := registry.Lookup("Account", "hubspot"); !ok {
		t.Error("expected lookup to succeed")
	}
	if _, ok := registry.Lookup("Account", "airtable"); ok {
		t.Error("expected lookup for unbound crm to fail")
	}

	record, ok := registry.NewRecord("Account")
	if !ok {
		t.Fatal("expected a prototype for Account")
	}
	if _, isAccount := record.(*Account); !isAccount {
		t.Errorf("expected *Account, got %T", record)
	}
}

func TestRegistry_FreezeForbidsRegistration(t *testing.T) {
	registry := NewRegistry()
	_ = registry.Register(&Account{}, "hubspot", validBinding())
	registry.Freeze()

	if err := registry.Register(&Invoice{}, "hubspot", validBinding()); err == nil {
		t.Error("expected registration after freeze to fail")
	}
}

func TestResourceTypeAndID(t *testing.T) {
	db := testDB(t)
	account := Account{Email: "a@b.co"}
	db.Create(&account)

	if got := ResourceType(&account); got != "Account" {
		t.Errorf("expected Account, got %s", got)
	}

	id, err := ResourceID(db, &account)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if id != account.ID {
		t.Errorf("expected %d, got %d", account.ID, id)
	}

	if _, err := ResourceID(db, &Account{}); err == nil {
		t.Error("expected error for zero primary key")
	}
}

func TestAssociatedRecords(t *testing.T) {
	db := testDB(t)
	account := Account{Email: "a@b.co"}
	db.Create(&account)
	invoice := Invoice{Number: "INV-1", AccountID: &account.ID}
	db.Create(&invoice)

	parents, err := AssociatedRecords(db, &invoice, "Account")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(parents) != 1 {
		t.Fatalf("expected one parent, got %d", len(parents))
	}
	if parents[0].(*Account).ID != account.ID {
		t.Errorf("expected account %d, got %+v", account.ID, parents[0])
	}

	// An invoice without an account has no parents
	orphan := Invoice{Number: "INV-2"}
	db.Create(&orphan)
	parents, err = AssociatedRecords(db, &orphan, "Account")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(parents) != 0 {
		t.Errorf("expected no parents, got %d", len(parents))
	}

	if _, err := AssociatedRecords(db, &invoice, "Nope"); err == nil {
		t.Error("expected error for unknown association")
	}
}

func TestStringField(t *testing.T) {
	db := testDB(t)
	hub := "hs-1"
	account := Account{Email: "a@b.co", HubspotID: &hub}
	db.Create(&account)

	value, ok := StringField(db, &account, "hubspot_id")
	if !ok || value != "hs-1" {
		t.Errorf("expected hs-1, got %q / %v", value, ok)
	}

	empty := Account{Email: "b@b.co"}
	db.Create(&empty)
	if _, ok := StringField(db, &empty, "hubspot_id"); ok {
		t.Error("expected blank pointer field to be absent")
	}
	if _, ok := StringField(db, &account, "no_such_column"); ok {
		t.Error("expected unknown field to be absent")
	}
}

func TestStructPayload(t *testing.T) {
	payload, err := StructPayload(&Invoice{Number: "INV-1", Total: 12.5})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if payload["number"] != "INV-1" {
		t.Errorf("expected json field names, got %v", payload)
	}
	if payload["total"] != 12.5 {
		t.Errorf("expected numeric value preserved, got %v", payload["total"])
	}
}
