package models

import (
	"time"

	"github.com/google/uuid"
)

// TaxonomyKind names one level of the industry taxonomy.
type TaxonomyKind string

const (
	TaxonomyIndustry     TaxonomyKind = "industry"
	TaxonomySpecialty    TaxonomyKind = "specialty"
	TaxonomySubspecialty TaxonomyKind = "subspecialty"
	TaxonomyPosition     TaxonomyKind = "position"
)

// TaxonomyRecord is a canonical industry, specialty, subspecialty or position.
// ParentID points at the owning industry (for specialties) or specialty
// (for subspecialties and positions).
type TaxonomyRecord struct {
	ID       int64        `json:"id"`
	Kind     TaxonomyKind `json:"kind"`
	Title    string       `json:"title"`
	ParentID *int64       `json:"parent_id,omitempty"`
}

// Company is a client company in the CRM.
type Company struct {
	ID                int64      `json:"id"`
	Name              string     `json:"name"`
	Email             string     `json:"email,omitempty"`
	Phone             string     `json:"phone,omitempty"`
	Website           string     `json:"website,omitempty"`
	Address           string     `json:"address,omitempty"`
	City              string     `json:"city,omitempty"`
	State             string     `json:"state,omitempty"`
	Zip               string     `json:"zip,omitempty"`
	SpecialtyID       *int64     `json:"specialty_id,omitempty"`
	SubspecialtyID    *int64     `json:"subspecialty_id,omitempty"`
	CreatedBy         string     `json:"created_by"`
	SourceMigrationID *uuid.UUID `json:"source_migration_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Name is a contact ("name" in recruiting jargon) that is not yet a
// candidate or a hiring authority.
type Name struct {
	ID                int64      `json:"id"`
	FirstName         string     `json:"first_name"`
	LastName          string     `json:"last_name"`
	Email             string     `json:"email,omitempty"`
	Phone             string     `json:"phone,omitempty"`
	Title             string     `json:"title,omitempty"`
	CompanyID         *int64     `json:"company_id,omitempty"`
	SpecialtyID       *int64     `json:"specialty_id,omitempty"`
	SubspecialtyID    *int64     `json:"subspecialty_id,omitempty"`
	PositionID        *int64     `json:"position_id,omitempty"`
	CreatedBy         string     `json:"created_by"`
	SourceMigrationID *uuid.UUID `json:"source_migration_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// FullName joins first and last name.
func (n *Name) FullName() string {
	switch {
	case n.FirstName == "":
		return n.LastName
	case n.LastName == "":
		return n.FirstName
	}
	return n.FirstName + " " + n.LastName
}

// SearchProject is a named roster of people used for outreach.
type SearchProject struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchProjectMembers are the ids matched for a search project, one bucket
// per kind of person record.
type SearchProjectMembers struct {
	CandidateIDs       []int64 `json:"candidate_ids"`
	HiringAuthorityIDs []int64 `json:"hiring_authority_ids"`
	NameIDs            []int64 `json:"name_ids"`
}

// Total returns the number of ids across all buckets.
func (m *SearchProjectMembers) Total() int {
	return len(m.CandidateIDs) + len(m.HiringAuthorityIDs) + len(m.NameIDs)
}

// PersonKind is the kind of person record a search project row matched.
type PersonKind string

const (
	PersonKindCandidate       PersonKind = "candidate"
	PersonKindHiringAuthority PersonKind = "hiring_authority"
	PersonKindName            PersonKind = "name"
)

// PersonLookupOrder is the dedup priority for email matches: the first kind
// with a record for the email wins.
var PersonLookupOrder = []PersonKind{
	PersonKindCandidate,
	PersonKindHiringAuthority,
	PersonKindName,
}

// Add appends id to the bucket for kind.
func (m *SearchProjectMembers) Add(kind PersonKind, id int64) {
	switch kind {
	case PersonKindCandidate:
		m.CandidateIDs = append(m.CandidateIDs, id)
	case PersonKindHiringAuthority:
		m.HiringAuthorityIDs = append(m.HiringAuthorityIDs, id)
	case PersonKindName:
		m.NameIDs = append(m.NameIDs, id)
	}
}
