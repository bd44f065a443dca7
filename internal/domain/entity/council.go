package entity

// Council is a named bundle of personas the Recruiter can select as a
// unit instead of picking personas individually (§3.1 supplemental
// entity), generalized from the teacher's skill catalog shape.
type Council struct {
	ID          string
	Name        string
	PersonaIDs  []string
	Description string
}
