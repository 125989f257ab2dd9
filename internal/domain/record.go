package domain

// Record is one roster entity payload as returned by the upstream API.
// The full payload is preserved as-is in the JSONL store; the CSV store
// keeps a fixed column subset per entity type.
type Record map[string]interface{}

// IDField is the stable identifier field shared by every OneRoster entity.
const IDField = "sourcedId"

// SourcedID returns the record's stable identifier, or "" if absent.
func (r Record) SourcedID() string {
	id, _ := r[IDField].(string)
	return id
}

// Role returns the record's role field, or "" if absent.
func (r Record) Role() string {
	role, _ := r["role"].(string)
	return role
}

// EntityType names one entity group persisted in a snapshot directory.
type EntityType string

const (
	EntityStudents    EntityType = "students"
	EntityParents     EntityType = "parents"
	EntityClasses     EntityType = "classes"
	EntitySchools     EntityType = "schools"
	EntityEnrollments EntityType = "enrollments"
)

// Role literals used to classify users fetched from the upstream API.
// Matching is case-sensitive, as delivered by OneRoster.
const (
	RoleStudent  = "student"
	RoleParent   = "parent"
	RoleGuardian = "guardian"
)
