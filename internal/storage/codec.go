package storage

import (
	"encoding/json"
	"fmt"

	"github.com/classpad/classwork-engine/internal/models"
)

// Field-level conversions between domain models and document payloads.
// The JSON round-trip keeps the remote schema aligned with the models'
// json tags, so a fallback cache write never drops remote-schema fields.

func toFields(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fields: %w", err)
	}
	fields := make(map[string]any)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to build field map: %w", err)
	}
	return fields, nil
}

func fromFields(fields map[string]any, out any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to marshal document fields: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode document fields: %w", err)
	}
	return nil
}

// AssignmentFields converts an assignment to remote-store fields.
// The local-only status and dirty flags are stripped: they exist per
// (device, user, assignment) and must never reach the remote store.
func AssignmentFields(a *models.Assignment) (map[string]any, error) {
	remote := a.Clone()
	remote.Status = ""
	remote.Dirty = false
	remote.Deleted = false
	return toFields(remote)
}

// AssignmentFromDoc decodes an assignment document. The store id is taken
// from the document path so offline-created payloads pick it up on replay.
func AssignmentFromDoc(doc Document) (*models.Assignment, error) {
	var a models.Assignment
	if err := fromFields(doc.Fields, &a); err != nil {
		return nil, err
	}
	a.StoreID = doc.ID()
	a.Status = ""
	a.Dirty = false
	a.Deleted = false
	return &a, nil
}

// AssignmentsFromDocs decodes a query result into assignments
func AssignmentsFromDocs(docs []Document) ([]*models.Assignment, error) {
	out := make([]*models.Assignment, 0, len(docs))
	for _, doc := range docs {
		a, err := AssignmentFromDoc(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func ApprovalFields(ca *models.CompletionApproval) (map[string]any, error) {
	return toFields(ca)
}

func ApprovalFromDoc(doc Document) (*models.CompletionApproval, error) {
	var ca models.CompletionApproval
	if err := fromFields(doc.Fields, &ca); err != nil {
		return nil, err
	}
	if ca.ID == "" {
		ca.ID = doc.ID()
	}
	return &ca, nil
}

func ExperienceFields(exp *models.Experience) (map[string]any, error) {
	return toFields(exp)
}

func ExperienceFromDoc(doc Document) (*models.Experience, error) {
	var exp models.Experience
	if err := fromFields(doc.Fields, &exp); err != nil {
		return nil, err
	}
	return &exp, nil
}

func MembershipFields(m *models.Membership) (map[string]any, error) {
	fields, err := toFields(m)
	if err != nil {
		return nil, err
	}
	// APIToken is json:"-" on the model; persist it explicitly
	if m.APIToken != "" {
		fields["api_token"] = m.APIToken
	}
	return fields, nil
}

func MembershipFromDoc(doc Document) (*models.Membership, error) {
	var m models.Membership
	if err := fromFields(doc.Fields, &m); err != nil {
		return nil, err
	}
	if tok, ok := doc.Fields["api_token"].(string); ok {
		m.APIToken = tok
	}
	return &m, nil
}

func ClassFields(c *models.Class) (map[string]any, error) {
	return toFields(c)
}

func ClassFromDoc(doc Document) (*models.Class, error) {
	var c models.Class
	if err := fromFields(doc.Fields, &c); err != nil {
		return nil, err
	}
	if c.ID == "" {
		c.ID = doc.ID()
	}
	return &c, nil
}
