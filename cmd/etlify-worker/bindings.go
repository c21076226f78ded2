package main

import (
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/CapSens/etlify/binding"
	"github.com/CapSens/etlify/crm"
)

// Company is a mirrored organization. Companies sync on their own and
// act as parents for their contacts.
type Company struct {
	ID        uint      `gorm:"column:id;primaryKey" json:"-"`
	Name      string    `gorm:"column:name" json:"name"`
	Domain    string    `gorm:"column:domain" json:"domain"`
	CreatedAt time.Time `gorm:"column:created_at" json:"-"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"-"`
}

func (Company) TableName() string {
	return "companies"
}

// Contact is a mirrored person. A contact's remote representation
// references its company, so the company must land in the CRM first.
type Contact struct {
	ID        uint      `gorm:"column:id;primaryKey" json:"-"`
	Email     string    `gorm:"column:email" json:"email"`
	FirstName string    `gorm:"column:first_name" json:"firstname"`
	LastName  string    `gorm:"column:last_name" json:"lastname"`
	CompanyID *uint     `gorm:"column:company_id" json:"-"`
	Company   *Company  `json:"-"`
	CreatedAt time.Time `gorm:"column:created_at" json:"-"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"-"`
}

func (Contact) TableName() string {
	return "contacts"
}

// registerBindings declares which models mirror into which CRMs. This is
// the deployment-specific part of the worker; adjust it alongside the
// application schema.
func registerBindings(crms *crm.Registry) (*binding.Registry, error) {
	bindings := binding.NewRegistry()

	companyBinding := &binding.Binding{
		Serializer:    binding.SerializerFunc(companyPayload),
		CRMObjectType: "companies",
		IDProperty:    "domain",
	}
	contactBinding := &binding.Binding{
		Serializer:      binding.SerializerFunc(contactPayload),
		CRMObjectType:   "contacts",
		IDProperty:      "email",
		Dependencies:    []string{"Company"},
		CRMDependencies: []string{"Company"},
		SyncIf: func(record any) bool {
			contact, ok := record.(*Contact)
			return ok && contact.Email != ""
		},
		StaleScope: func(rel *gorm.DB) *gorm.DB {
			return rel.Where("contacts.email <> ''")
		},
	}

	for _, name := range crms.Names() {
		if err := bindings.Register(&Company{}, name, companyBinding); err != nil {
			return nil, err
		}
		if err := bindings.Register(&Contact{}, name, contactBinding); err != nil {
			return nil, err
		}
	}

	bindings.Freeze()
	return bindings, nil
}

func companyPayload(record any) (map[string]any, error) {
	company := record.(*Company)
	return map[string]any{
		"name":   company.Name,
		"domain": strings.ToLower(company.Domain),
	}, nil
}

func contactPayload(record any) (map[string]any, error) {
	contact := record.(*Contact)
	return map[string]any{
		"email":     strings.ToLower(contact.Email),
		"firstname": contact.FirstName,
		"lastname":  contact.LastName,
	}, nil
}
