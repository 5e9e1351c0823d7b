package fieldmapping

import (
	"encoding/json"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/clasak/compassiq/pkg/database"
	"github.com/clasak/compassiq/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 5, 17, 15, 30, 0, 0, time.UTC)

func revenueMapping(t *testing.T) *Mapping {
	t.Helper()
	doc, err := Parse([]byte(`{
		"version": 1,
		"metrics": [
			{"metric_key": "revenue", "event_types": ["invoice.paid"], "value": {"path": "amount", "kind": "number"}, "date": {"path": "paid_on"}},
			{"metric_key_path": "name", "value": {"expression": "values[0].v", "kind": "text"}}
		]
	}`))
	require.NoError(t, err)
	mapping, err := Compile(doc)
	require.NoError(t, err)
	return mapping
}

func event(eventType string, data any) models.RawEvent {
	payload := map[string]any{"event_type": eventType}
	if data != nil {
		payload["data"] = data
	}
	return models.RawEvent{EventType: eventType, Payload: database.NewJSONB(payload)}
}

func TestParse(t *testing.T) {
	t.Run("should reject a document without a version", func(t *testing.T) {
		_, err := Parse([]byte(`{"metrics": []}`))
		assert.ErrorIs(t, err, ErrMissingVersion)
	})

	t.Run("should reject unknown versions", func(t *testing.T) {
		_, err := Parse([]byte(`{"version": 2, "metrics": [{"metric_key": "x", "value": {"path": "a", "kind": "number"}}]}`))
		assert.ErrorIs(t, err, ErrUnsupportedVersion)
	})

	t.Run("should reject a rule without a value source", func(t *testing.T) {
		_, err := Parse([]byte(`{"version": 1, "metrics": [{"metric_key": "x", "value": {"kind": "number"}}]}`))
		assert.Error(t, err)
	})

	t.Run("should reject an unknown value kind", func(t *testing.T) {
		_, err := Parse([]byte(`{"version": 1, "metrics": [{"metric_key": "x", "value": {"path": "a", "kind": "bool"}}]}`))
		assert.Error(t, err)
	})

	t.Run("should reject expressions that do not compile", func(t *testing.T) {
		_, err := Parse([]byte(`{"version": 1, "metrics": [{"metric_key": "x", "value": {"expression": "a[", "kind": "number"}}]}`))
		assert.Error(t, err)
	})

	t.Run("should reject malformed json", func(t *testing.T) {
		_, err := Parse([]byte(`{"version":`))
		assert.Error(t, err)
	})
}

func TestNormalize(t *testing.T) {
	mapping := revenueMapping(t)

	t.Run("should map a numeric value and its date", func(t *testing.T) {
		obs, reason := Normalize(mapping, event("invoice.paid", map[string]any{"amount": 1250.5, "paid_on": "2024-03-02"}), now)
		require.Equal(t, SkipNone, reason)
		require.NotNil(t, obs)
		assert.Equal(t, "revenue", obs.MetricKey)
		assert.Equal(t, models.ValueKindNumber, obs.Kind)
		assert.Equal(t, 1250.5, *obs.NumericValue)
		assert.Nil(t, obs.TextValue)
		assert.Equal(t, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), obs.OccurredOn)
	})

	t.Run("should accept numeric strings", func(t *testing.T) {
		obs, reason := Normalize(mapping, event("invoice.paid", map[string]any{"amount": " 42 "}), now)
		require.Equal(t, SkipNone, reason)
		assert.Equal(t, 42.0, *obs.NumericValue)
	})

	t.Run("should fall back to the event date hint and then the processing date", func(t *testing.T) {
		hint := time.Date(2024, 1, 9, 23, 59, 0, 0, time.UTC)
		e := event("invoice.paid", map[string]any{"amount": 1})
		e.OccurredOn = &hint

		obs, reason := Normalize(mapping, e, now)
		require.Equal(t, SkipNone, reason)
		assert.Equal(t, time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC), obs.OccurredOn)

		obs, reason = Normalize(mapping, event("invoice.paid", map[string]any{"amount": 1}), now)
		require.Equal(t, SkipNone, reason)
		assert.Equal(t, time.Date(2024, 5, 17, 0, 0, 0, 0, time.UTC), obs.OccurredOn)
	})

	t.Run("should skip a present but unparseable date", func(t *testing.T) {
		obs, reason := Normalize(mapping, event("invoice.paid", map[string]any{"amount": 1, "paid_on": "yesterday"}), now)
		assert.Nil(t, obs)
		assert.Equal(t, SkipInvalidDate, reason)
	})

	t.Run("should skip unix dates outside the storable range", func(t *testing.T) {
		for _, ts := range []any{1e17, 1e300, -1e17, json.Number("1e17")} {
			obs, reason := Normalize(mapping, event("invoice.paid", map[string]any{"amount": 1, "paid_on": ts}), now)
			assert.Nil(t, obs, "paid_on=%v", ts)
			assert.Equal(t, SkipInvalidDate, reason, "paid_on=%v", ts)
		}

		obs, reason := Normalize(mapping, event("invoice.paid", map[string]any{"amount": 1, "paid_on": 1714521600.0}), now)
		require.Equal(t, SkipNone, reason)
		assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), obs.OccurredOn)
	})

	t.Run("should skip a year zero date", func(t *testing.T) {
		obs, reason := Normalize(mapping, event("invoice.paid", map[string]any{"amount": 1, "paid_on": "0000-06-01"}), now)
		assert.Nil(t, obs)
		assert.Equal(t, SkipInvalidDate, reason)
	})

	t.Run("should use the first rule matching the event type", func(t *testing.T) {
		obs, reason := Normalize(mapping, event("note", map[string]any{"name": "nps_comment", "values": []any{map[string]any{"v": "great"}}}), now)
		require.Equal(t, SkipNone, reason)
		assert.Equal(t, "nps_comment", obs.MetricKey)
		assert.Equal(t, models.ValueKindText, obs.Kind)
		assert.Equal(t, "great", *obs.TextValue)
	})

	t.Run("should skip non-numeric and non-finite numbers", func(t *testing.T) {
		for _, amount := range []any{"abc", true, map[string]any{}, []any{1}, "NaN", "Inf"} {
			obs, reason := Normalize(mapping, event("invoice.paid", map[string]any{"amount": amount}), now)
			assert.Nil(t, obs)
			assert.Equal(t, SkipInvalidValue, reason, "amount %v", amount)
		}
	})

	t.Run("should skip missing values and missing data", func(t *testing.T) {
		_, reason := Normalize(mapping, event("invoice.paid", map[string]any{}), now)
		assert.Equal(t, SkipMissingValue, reason)

		_, reason = Normalize(mapping, event("invoice.paid", nil), now)
		assert.Equal(t, SkipNoData, reason)

		_, reason = Normalize(mapping, event("invoice.paid", "not an object"), now)
		assert.Equal(t, SkipNoData, reason)
	})

	t.Run("should skip when the metric key cannot be extracted", func(t *testing.T) {
		_, reason := Normalize(mapping, event("note", map[string]any{"name": 12, "values": []any{map[string]any{"v": "x"}}}), now)
		assert.Equal(t, SkipMissingMetricKey, reason)
	})

	t.Run("should skip when no mapping is configured", func(t *testing.T) {
		obs, reason := Normalize(nil, event("invoice.paid", map[string]any{"amount": 1}), now)
		assert.Nil(t, obs)
		assert.Equal(t, SkipNoMapping, reason)
	})

	t.Run("should skip when no rule matches", func(t *testing.T) {
		doc := Document{Version: 1, Metrics: []Rule{{MetricKey: "x", EventTypes: []string{"a"}, Value: ValueRule{Path: "v", Kind: models.ValueKindNumber}}}}
		m, err := Compile(doc)
		require.NoError(t, err)

		_, reason := Normalize(m, event("b", map[string]any{"v": 1}), now)
		assert.Equal(t, SkipNoMatchingRule, reason)
	})
}

func TestPathExtractor(t *testing.T) {
	data := map[string]any{
		"a": map[string]any{"b": []any{map[string]any{"c": 3.0}}},
	}

	v, ok := newPathExtractor("a.b[0].c").extract(data)
	assert.True(t, ok)
	assert.Equal(t, 3.0, v)

	for _, path := range []string{"a.b[1].c", "a.b[x].c", "a.b]0[.c", "a.c", "a.b.c", ""} {
		_, ok := newPathExtractor(path).extract(data)
		assert.False(t, ok, path)
	}
}

func randomValue(r *rand.Rand, depth int) any {
	switch r.Intn(8) {
	case 0:
		return nil
	case 1:
		if r.Intn(2) == 0 {
			return math.Copysign(math.Pow(10, float64(r.Intn(308))), r.NormFloat64())
		}
		return r.NormFloat64() * 1e6
	case 2:
		return "s" + string(rune('a'+r.Intn(26)))
	case 3:
		return r.Intn(2) == 0
	case 4:
		return "2024-02-0" + string(rune('1'+r.Intn(9)))
	case 5, 6:
		if depth > 3 {
			return 1.0
		}
		m := map[string]any{}
		for _, k := range []string{"amount", "paid_on", "name", "values", "v"} {
			if r.Intn(2) == 0 {
				m[k] = randomValue(r, depth+1)
			}
		}
		return m
	default:
		if depth > 3 {
			return "x"
		}
		arr := make([]any, r.Intn(3))
		for i := range arr {
			arr[i] = randomValue(r, depth+1)
		}
		return arr
	}
}

func TestNormalizeIsTotal(t *testing.T) {
	mapping := revenueMapping(t)
	r := rand.New(rand.NewSource(7))

	for i := 0; i < 1000; i++ {
		eventType := []string{"invoice.paid", "note", "other"}[r.Intn(3)]
		e := models.RawEvent{EventType: eventType, Payload: database.NewJSONB(map[string]any{"data": randomValue(r, 0)})}

		assert.NotPanics(t, func() {
			obs, reason := Normalize(mapping, e, now)
			if reason == SkipNone {
				require.NotNil(t, obs)
				assert.NotEmpty(t, obs.MetricKey)
				assert.True(t, (obs.NumericValue == nil) != (obs.TextValue == nil))
				assert.True(t, InDateRange(obs.OccurredOn), "occurred_on=%v", obs.OccurredOn)
			} else {
				assert.Nil(t, obs)
			}
		})
	}
}
