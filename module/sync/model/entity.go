package model

import (
	"fmt"
	"time"
)

// EntityKind names one of the replicated tables. The set is closed: the
// engine knows nothing about the business meaning of a table, only its
// kind, its permitted columns and its rank in the dependency order.
type EntityKind string

const (
	KindProject    EntityKind = "project"
	KindSheet      EntityKind = "contract_sheet" // line-item sheet of a contract
	KindLineItem   EntityKind = "line_item"
	KindSurvey     EntityKind = "quantity_survey" // attachement
	KindPayment    EntityKind = "payment_statement"
	KindPhoto      EntityKind = "photo"
	KindMinutes    EntityKind = "minutes" // PV de chantier
	KindAttachment EntityKind = "attachment"
	KindCompany    EntityKind = "company"
)

// FieldType is the coarse wire type of an allow-listed column.
type FieldType int

const (
	FieldString FieldType = iota
	FieldNumber
	FieldBool
	FieldTime // RFC3339 string or unix ms
	FieldJSON // nested object/array, stored opaque
)

// FieldSpec describes one permitted payload column.
type FieldSpec struct {
	Name     string
	Type     FieldType
	Nullable bool
}

// KindSpec is the compile-time descriptor of one replicated table:
// permitted columns plus the fixed dependency rank used to order mixed
// batches (a project lands before its sheets, a sheet before its line
// items, and so on).
type KindSpec struct {
	Kind   EntityKind
	Rank   int
	Shared bool // visible across principals (reference data)
	Fields []FieldSpec

	allowed map[string]FieldSpec
}

func spec(kind EntityKind, rank int, fields ...FieldSpec) KindSpec {
	allowed := make(map[string]FieldSpec, len(fields))
	for _, f := range fields {
		allowed[f.Name] = f
	}
	return KindSpec{Kind: kind, Rank: rank, Fields: fields, allowed: allowed}
}

func s(name string) FieldSpec          { return FieldSpec{Name: name, Type: FieldString} }
func sn(name string) FieldSpec        { return FieldSpec{Name: name, Type: FieldString, Nullable: true} }
func num(name string) FieldSpec       { return FieldSpec{Name: name, Type: FieldNumber, Nullable: true} }
func boolean(name string) FieldSpec   { return FieldSpec{Name: name, Type: FieldBool, Nullable: true} }
func ts(name string) FieldSpec        { return FieldSpec{Name: name, Type: FieldTime, Nullable: true} }
func jsonField(name string) FieldSpec { return FieldSpec{Name: name, Type: FieldJSON, Nullable: true} }

// kindSpecs is the closed allow-list. Adding a replicated table means
// adding a row here; nothing is keyed by free-form strings at runtime.
var kindSpecs = map[EntityKind]KindSpec{
	KindProject: spec(KindProject, 0,
		s("name"), sn("code"), sn("client"), sn("address"), sn("status"),
		ts("startDate"), ts("endDate"), num("budget"), sn("notes"), ts("deletedAt")),
	KindSheet: spec(KindSheet, 1,
		s("projectId"), s("title"), sn("reference"), num("position"),
		sn("currency"), num("vatRate"), ts("deletedAt")),
	KindLineItem: spec(KindLineItem, 2,
		s("sheetId"), s("designation"), sn("unit"), num("quantity"),
		num("unitPrice"), num("position"), sn("notes"), ts("deletedAt")),
	KindSurvey: spec(KindSurvey, 3,
		s("projectId"), sn("sheetId"), s("title"), num("number"),
		ts("surveyDate"), jsonField("lines"), sn("status"), ts("deletedAt")),
	KindPayment: spec(KindPayment, 4,
		s("projectId"), num("number"), ts("periodStart"), ts("periodEnd"),
		num("amount"), num("retention"), sn("status"), ts("deletedAt")),
	KindPhoto: spec(KindPhoto, 5,
		s("projectId"), sn("caption"), s("fileRef"), ts("takenAt"),
		num("lat"), num("lng"), ts("deletedAt")),
	KindMinutes: spec(KindMinutes, 6,
		s("projectId"), s("title"), ts("meetingDate"), jsonField("attendees"),
		sn("body"), sn("status"), ts("deletedAt")),
	KindAttachment: spec(KindAttachment, 7,
		s("projectId"), sn("surveyId"), s("fileName"), s("fileRef"),
		num("size"), sn("mimeType"), ts("deletedAt")),
	KindCompany: shared(spec(KindCompany, 8,
		s("name"), sn("siret"), sn("address"), sn("phone"), sn("email"),
		sn("logoRef"), ts("deletedAt"))),
}

func shared(sp KindSpec) KindSpec {
	sp.Shared = true
	return sp
}

// SharedKinds lists the kinds replicated across principal boundaries
// (company directory data). Their current state reaches every full sync;
// incremental streams stay per principal.
func SharedKinds() []EntityKind {
	var out []EntityKind
	for k, sp := range kindSpecs {
		if sp.Shared {
			out = append(out, k)
		}
	}
	return out
}

// SpecFor returns the descriptor for a kind, false for anything outside
// the closed set.
func SpecFor(kind EntityKind) (KindSpec, bool) {
	sp, ok := kindSpecs[kind]
	return sp, ok
}

// Kinds lists every replicated kind in dependency order.
func Kinds() []EntityKind {
	out := make([]EntityKind, 0, len(kindSpecs))
	for rank := 0; rank < len(kindSpecs); rank++ {
		for k, sp := range kindSpecs {
			if sp.Rank == rank {
				out = append(out, k)
			}
		}
	}
	return out
}

// Allows reports whether the payload column is on the allow-list.
func (sp KindSpec) Allows(field string) bool {
	_, ok := sp.allowed[field]
	return ok
}

// ValidatePayload rejects any payload column that is not allow-listed for
// the kind. Defense against malformed or attacker-controlled writes: the
// projector never merges a field the descriptor does not name.
func (sp KindSpec) ValidatePayload(payload map[string]any) error {
	for name := range payload {
		if !sp.Allows(name) {
			return fmt.Errorf("field %q not permitted on %s", name, sp.Kind)
		}
	}
	return nil
}

// EntityRow is the generic mutable projection of one replicated record.
// Business columns live in Fields; the engine only maintains the
// bookkeeping around them.
type EntityRow struct {
	Kind        EntityKind     `json:"kind"`
	ID          string         `json:"id"`
	PrincipalID string         `json:"principalId"`
	Fields      map[string]any `json:"fields"`

	Version       int64      `json:"version"` // strictly increasing per applied op
	LastOpID      string     `json:"lastOpId"`
	LastDeviceID  string     `json:"lastDeviceId"`
	LastServerSeq int64      `json:"lastServerSeq"`
	DeletedAt     *time.Time `json:"deletedAt,omitempty"` // soft delete marker
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Live reports whether the row is visible to a full sync.
func (r *EntityRow) Live() bool { return r.DeletedAt == nil }

// Clone deep-copies the row's bookkeeping and field map.
func (r *EntityRow) Clone() *EntityRow {
	cp := *r
	cp.Fields = make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		cp.Fields[k] = v
	}
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		cp.DeletedAt = &t
	}
	return &cp
}
