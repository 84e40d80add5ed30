package analysis

// Detector is the slice of detector configuration the orchestration core
// depends on. Everything else about a detector is owned elsewhere.
type Detector struct {
	id            string
	name          string
	categoryField string
}

// NewDetector creates a Detector. A non-empty categoryField makes the
// detector high-cardinality: one entity task per distinct field value.
func NewDetector(id, name, categoryField string) Detector {
	return Detector{id: id, name: name, categoryField: categoryField}
}

// ID returns the detector identifier.
func (d Detector) ID() string { return d.id }

// Name returns the human readable detector name.
func (d Detector) Name() string { return d.name }

// CategoryField returns the record attribute entities are bucketed by.
func (d Detector) CategoryField() string { return d.categoryField }

// IsMultiEntity reports whether the detector fans out per entity.
func (d Detector) IsMultiEntity() bool { return d.categoryField != "" }

// ResolveCategoryValue extracts the entity value a task runs for. It reports
// false for single-entity detectors and for parent tasks.
func ResolveCategoryValue(d Detector, t *Task) (string, bool) {
	if !d.IsMultiEntity() || t == nil || !t.IsEntityTask() {
		return "", false
	}
	return t.Entity(), true
}
