// Package fieldmapping holds the tenant-configured mapping from event payload fields to canonical
// metric observations, and the normalizer that applies it.
package fieldmapping

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/clasak/compassiq/pkg/models"
	"github.com/clasak/compassiq/pkg/utils"
	"github.com/google/uuid"
)

// TargetMetricValues is the mapping target consumed by the metric value writer.
const TargetMetricValues = "metric_values"

// CurrentVersion is the newest mapping document version this build understands.
const CurrentVersion = 1

var (
	ErrMissingVersion     = errors.New("mapping document is missing a version")
	ErrUnsupportedVersion = errors.New("unsupported mapping document version")
)

// FieldMapping is the stored, tenant-managed mapping for one (tenant, connection, target).
type FieldMapping struct {
	ID           uuid.UUID `json:"id"`
	TenantID     uuid.UUID `json:"tenant_id"`
	ConnectionID uuid.UUID `json:"connection_id"`
	Target       string    `json:"target"`
	Revision     int       `json:"revision"`
	Document     Document  `json:"document"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Document is the version 1 mapping schema.
type Document struct {
	Version int    `json:"version" validate:"required,eq=1"`
	Metrics []Rule `json:"metrics" validate:"required,min=1,dive"`
}

// Rule maps events of the listed types (all types when empty) to one metric observation.
type Rule struct {
	MetricKey     string    `json:"metric_key,omitempty" validate:"required_without=MetricKeyPath,max=128"`
	MetricKeyPath string    `json:"metric_key_path,omitempty" validate:"required_without=MetricKey"`
	EventTypes    []string  `json:"event_types,omitempty" validate:"omitempty,dive,required"`
	Value         ValueRule `json:"value"`
	Date          *DateRule `json:"date,omitempty"`
}

// ValueRule extracts the observation value with either a dot path or a JMESPath expression
// evaluated against the event's data object.
type ValueRule struct {
	Path       string           `json:"path,omitempty" validate:"required_without=Expression"`
	Expression string           `json:"expression,omitempty" validate:"required_without=Path"`
	Kind       models.ValueKind `json:"kind" validate:"required,oneof=number text"`
}

// DateRule extracts the occurrence date. Layout is a Go time layout; when empty RFC3339,
// 2006-01-02 and unix seconds are accepted.
type DateRule struct {
	Path       string `json:"path,omitempty" validate:"required_without=Expression"`
	Expression string `json:"expression,omitempty" validate:"required_without=Path"`
	Layout     string `json:"layout,omitempty"`
}

type versionProbe struct {
	Version *int `json:"version"`
}

// Parse decodes a stored mapping document, dispatching on its version tag, and validates it.
func Parse(raw []byte) (Document, error) {
	var probe versionProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Document{}, fmt.Errorf("invalid mapping document: %w", err)
	}
	if probe.Version == nil {
		return Document{}, ErrMissingVersion
	}

	switch *probe.Version {
	case 1:
		var doc Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return Document{}, fmt.Errorf("invalid version 1 mapping document: %w", err)
		}
		return doc, doc.Validate()
	default:
		return Document{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, *probe.Version)
	}
}

// Validate checks the document structure and that every expression compiles.
func (d Document) Validate() error {
	if d.Version != CurrentVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, d.Version)
	}
	if _, err := utils.Validate(d); err != nil {
		return err
	}
	_, err := Compile(d)
	return err
}
