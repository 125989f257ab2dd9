package snapshot

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/bookmarked/rostercache/internal/domain"
	"github.com/bookmarked/rostercache/internal/logger"
	"github.com/bookmarked/rostercache/internal/metrics"
)

// Search scans an entity CSV in a snapshot directory for rows where any
// field case-insensitively contains term. Unlike Writer.SearchFlat this
// matches across all columns and applies no result limit; it backs the
// console's cross-field lookup. Missing files degrade to empty results.
func (m *Manager) Search(key domain.SnapshotKey, entity domain.EntityType, term string) []map[string]string {
	metrics.SearchRequests.Inc()

	csvPath := filepath.Join(m.Dir(key), string(entity)+".csv")
	file, err := os.Open(csvPath)
	if err != nil {
		m.log.WithFields(logger.Fields{
			logger.FieldDistrictID: key.DistrictID,
			logger.FieldEntityType: string(entity),
			"path":                 csvPath,
		}).Warn("Snapshot CSV not found")
		return []map[string]string{}
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return []map[string]string{}
	}

	termLower := strings.ToLower(term)
	matches := []map[string]string{}
	for {
		row, err := reader.Read()
		if err != nil {
			break
		}
		for _, value := range row {
			if value != "" && strings.Contains(strings.ToLower(value), termLower) {
				matches = append(matches, rowToMap(header, row))
				break
			}
		}
	}

	m.log.WithFields(logger.Fields{
		logger.FieldDistrictID:   key.DistrictID,
		logger.FieldSnapshotDate: key.Date,
		logger.FieldEntityType:   string(entity),
		"matches_found":          len(matches),
	}).Info("Snapshot search completed")
	return matches
}

// ChildSummary is the flattened student view returned by ParentChildren.
type ChildSummary struct {
	SourcedID  string `json:"sourcedId"`
	GivenName  string `json:"givenName"`
	FamilyName string `json:"familyName"`
	Email      string `json:"email"`
	Grade      string `json:"grade"`
	Identifier string `json:"identifier"`
}

// ParentChildren resolves a parent's children by mining the agents array
// in the parents JSONL store (the relationship fields are not present in
// the flat CSV subset) and joining against the students JSONL store.
func (m *Manager) ParentChildren(key domain.SnapshotKey, parentSourcedID string) []ChildSummary {
	dir := m.Dir(key)

	parent := scanJSONLForID(filepath.Join(dir, "parents.jsonl"), parentSourcedID)
	if parent == nil {
		m.log.WithField("parent_sourced_id", parentSourcedID).Warn("Parent not found in JSONL")
		return []ChildSummary{}
	}

	agents, _ := parent["agents"].([]interface{})
	wantIDs := make(map[string]bool, len(agents))
	for _, a := range agents {
		agent, ok := a.(map[string]interface{})
		if !ok {
			continue
		}
		if agentType, _ := agent["type"].(string); agentType != "user" {
			continue
		}
		if id, _ := agent[domain.IDField].(string); id != "" {
			wantIDs[id] = true
		}
	}
	if len(wantIDs) == 0 {
		return []ChildSummary{}
	}

	file, err := os.Open(filepath.Join(dir, "students.jsonl"))
	if err != nil {
		m.log.WithField(logger.FieldDistrictID, key.DistrictID).Warn("Students JSONL not found for parent-child lookup")
		return []ChildSummary{}
	}
	defer file.Close()

	children := []ChildSummary{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxJSONLLine)
	for scanner.Scan() {
		var student domain.Record
		if err := json.Unmarshal(scanner.Bytes(), &student); err != nil {
			continue
		}
		if !wantIDs[student.SourcedID()] {
			continue
		}
		children = append(children, ChildSummary{
			SourcedID:  student.SourcedID(),
			GivenName:  stringField(student, "givenName"),
			FamilyName: stringField(student, "familyName"),
			Email:      stringField(student, "email"),
			Grade:      firstGrade(student),
			Identifier: stringField(student, "identifier"),
		})
	}

	m.log.WithFields(logger.Fields{
		"parent_sourced_id": parentSourcedID,
		"children_count":    len(children),
	}).Info("Children resolved from JSONL")
	return children
}

// scanJSONLForID returns the first record in a JSONL file whose sourcedId
// matches, or nil.
func scanJSONLForID(path, sourcedID string) domain.Record {
	file, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxJSONLLine)
	for scanner.Scan() {
		var record domain.Record
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		if record.SourcedID() == sourcedID {
			return record
		}
	}
	return nil
}

func stringField(r domain.Record, key string) string {
	s, _ := r[key].(string)
	return s
}

// firstGrade returns the first entry of the grades array, if any.
func firstGrade(r domain.Record) string {
	grades, _ := r["grades"].([]interface{})
	if len(grades) == 0 {
		return ""
	}
	grade, _ := grades[0].(string)
	return grade
}
