package domain

import (
	"fmt"
	"strings"
)

// OrgUnitKind identifies the level of an organizational unit in the catalog hierarchy.
type OrgUnitKind string

const (
	OrgUnitSchool      OrgUnitKind = "school"
	OrgUnitDepartment  OrgUnitKind = "dept"
	OrgUnitCourseGroup OrgUnitKind = "coursegroup"
)

// OrgUnit is a typed reference to a school, department or course group.
type OrgUnit struct {
	Kind OrgUnitKind `json:"kind"`
	ID   string      `json:"id"`
}

// ParseOrgUnit parses the "<kind>:<id>" form used by SIS account identifiers,
// for example "school:colgsas" or "dept:150".
func ParseOrgUnit(s string) (OrgUnit, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || id == "" {
		return OrgUnit{}, &ValidationError{Field: "org_unit", Reason: fmt.Sprintf("malformed org unit %q", s)}
	}
	u := OrgUnit{Kind: OrgUnitKind(kind), ID: id}
	if !u.Kind.Valid() {
		return OrgUnit{}, &ValidationError{Field: "org_unit", Reason: fmt.Sprintf("unknown org unit kind %q", kind)}
	}
	return u, nil
}

// Valid reports whether k is a known kind.
func (k OrgUnitKind) Valid() bool {
	switch k {
	case OrgUnitSchool, OrgUnitDepartment, OrgUnitCourseGroup:
		return true
	}
	return false
}

// IsSubUnit reports whether the unit sits below a school.
func (u OrgUnit) IsSubUnit() bool {
	return u.Kind == OrgUnitDepartment || u.Kind == OrgUnitCourseGroup
}

// String returns the SIS account identifier form of the unit.
func (u OrgUnit) String() string {
	return string(u.Kind) + ":" + u.ID
}
