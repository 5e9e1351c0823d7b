package fieldmapping

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectolinq"
	"github.com/clasak/compassiq/pkg/models"
	"github.com/google/uuid"
)

// DataField is the payload member mapping paths are evaluated against.
const DataField = "data"

const maxMetricKeyLength = 128

// SkipReason explains why an event produced no observation. The zero value means an observation
// was produced.
type SkipReason string

const (
	SkipNone             SkipReason = ""
	SkipNoMapping        SkipReason = "no_mapping"
	SkipInvalidMapping   SkipReason = "invalid_mapping"
	SkipNoData           SkipReason = "no_data"
	SkipNoMatchingRule   SkipReason = "no_matching_rule"
	SkipMissingMetricKey SkipReason = "missing_metric_key"
	SkipMissingValue     SkipReason = "missing_value"
	SkipInvalidValue     SkipReason = "invalid_value"
	SkipInvalidDate      SkipReason = "invalid_date"
	SkipInternal         SkipReason = "internal"
)

// Mapping is a validated document with its expressions compiled, ready to normalize events.
type Mapping struct {
	ID       uuid.UUID
	Revision int
	rules    []compiledRule
}

type compiledRule struct {
	metricKey     string
	metricKeyFrom extractor
	eventTypes    []string
	kind          models.ValueKind
	value         extractor
	date          extractor
	dateLayout    string
}

// Compile prepares a document for normalization.
func Compile(doc Document) (*Mapping, error) {
	rules := make([]compiledRule, 0, len(doc.Metrics))
	for i, rule := range doc.Metrics {
		compiled := compiledRule{
			metricKey:  strings.TrimSpace(rule.MetricKey),
			eventTypes: rule.EventTypes,
			kind:       rule.Value.Kind,
		}

		var err error
		if compiled.metricKey == "" {
			compiled.metricKeyFrom = newPathExtractor(rule.MetricKeyPath)
		}
		if compiled.value, err = newExtractor(rule.Value.Path, rule.Value.Expression); err != nil {
			return nil, fmt.Errorf("metrics[%d].value: invalid expression: %w", i, err)
		}
		if rule.Date != nil {
			if compiled.date, err = newExtractor(rule.Date.Path, rule.Date.Expression); err != nil {
				return nil, fmt.Errorf("metrics[%d].date: invalid expression: %w", i, err)
			}
			compiled.dateLayout = rule.Date.Layout
		}
		rules = append(rules, compiled)
	}
	return &Mapping{rules: rules}, nil
}

// CompileFieldMapping compiles a stored mapping and keeps its identity on the result.
func CompileFieldMapping(fm FieldMapping) (*Mapping, error) {
	mapping, err := Compile(fm.Document)
	if err != nil {
		return nil, err
	}
	mapping.ID = fm.ID
	mapping.Revision = fm.Revision
	return mapping, nil
}

// Normalize applies the first rule matching the event's type. It never panics; anything it cannot
// use becomes a SkipReason. now supplies the fallback occurrence date.
func Normalize(mapping *Mapping, event models.RawEvent, now time.Time) (obs *models.MetricObservation, reason SkipReason) {
	defer func() {
		if recover() != nil {
			obs, reason = nil, SkipInternal
		}
	}()

	if mapping == nil {
		return nil, SkipNoMapping
	}

	data, ok := event.Payload.Data[DataField].(map[string]any)
	if !ok {
		return nil, SkipNoData
	}

	rule, ok := mapping.match(event.EventType)
	if !ok {
		return nil, SkipNoMatchingRule
	}

	metricKey := rule.metricKey
	if metricKey == "" {
		raw, found := rule.metricKeyFrom.extract(data)
		if !found {
			return nil, SkipMissingMetricKey
		}
		key, valid := raw.(string)
		metricKey = strings.TrimSpace(key)
		if !valid || metricKey == "" || len(metricKey) > maxMetricKeyLength {
			return nil, SkipMissingMetricKey
		}
	}

	raw, found := rule.value.extract(data)
	if !found {
		return nil, SkipMissingValue
	}

	obs = &models.MetricObservation{MetricKey: metricKey, Kind: rule.kind}
	switch rule.kind {
	case models.ValueKindNumber:
		n, valid := toFiniteNumber(raw)
		if !valid {
			return nil, SkipInvalidValue
		}
		obs.NumericValue = &n
	case models.ValueKindText:
		s, valid := toText(raw)
		if !valid {
			return nil, SkipInvalidValue
		}
		obs.TextValue = &s
	default:
		return nil, SkipInvalidValue
	}

	occurredOn, dateOK := rule.occurredOn(data, event.OccurredOn, now)
	if !dateOK {
		return nil, SkipInvalidDate
	}
	obs.OccurredOn = occurredOn

	return obs, SkipNone
}

func (m *Mapping) match(eventType string) (compiledRule, bool) {
	for _, rule := range m.rules {
		if len(rule.eventTypes) == 0 || ectolinq.Contains(rule.eventTypes, eventType) {
			return rule, true
		}
	}
	return compiledRule{}, false
}

// occurredOn prefers the mapped date, then the event's hint, then the processing date. A mapped
// date that is present but unparseable is rejected rather than silently replaced.
func (r compiledRule) occurredOn(data map[string]any, hint *time.Time, now time.Time) (time.Time, bool) {
	if r.date != nil {
		if raw, found := r.date.extract(data); found {
			t, ok := parseDate(raw, r.dateLayout)
			if !ok || !InDateRange(t) {
				return time.Time{}, false
			}
			return toDate(t), true
		}
	}
	if hint != nil && !hint.IsZero() && InDateRange(*hint) {
		return toDate(*hint), true
	}
	return toDate(now), true
}

var defaultDateLayouts = []string{time.RFC3339Nano, time.RFC3339, time.DateOnly, time.DateTime}

// Occurrence dates are stored as DATE; anything outside years 1-9999 is rejected.
var (
	minDate = time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC)
	maxDate = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)
)

// InDateRange reports whether t falls on a storable occurrence date.
func InDateRange(t time.Time) bool {
	t = t.UTC()
	return !t.Before(minDate) && !t.After(maxDate)
}

func parseDate(raw any, layout string) (time.Time, bool) {
	switch v := raw.(type) {
	case string:
		s := strings.TrimSpace(v)
		if layout != "" {
			t, err := time.Parse(layout, s)
			return t, err == nil
		}
		for _, l := range defaultDateLayouts {
			if t, err := time.Parse(l, s); err == nil {
				return t, true
			}
		}
		return time.Time{}, false
	default:
		secs, ok := toFiniteNumber(raw)
		if !ok || secs < float64(minDate.Unix()) || secs > float64(maxDate.Unix()) {
			return time.Time{}, false
		}
		return time.Unix(int64(secs), 0), true
	}
}

func toDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func toFiniteNumber(raw any) (float64, bool) {
	var n float64
	switch v := raw.(type) {
	case float64:
		n = v
	case float32:
		n = float64(v)
	case int:
		n = float64(v)
	case int64:
		n = float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		n = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		n = f
	default:
		return 0, false
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}

func toText(raw any) (string, bool) {
	switch v := raw.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return "", false
		}
		return v, true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "", false
		}
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case json.Number:
		return v.String(), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		return "", false
	}
}
