package fingerprint

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tenant     = "6f1c1f6e-8d6a-4f0e-9a51-0c1d8f3a2b10"
	connection = "b5a8f0d2-1e0b-4c1e-8a55-3f9e7c6d4a21"
)

func decode(t *testing.T, raw string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	return m
}

func TestCompute(t *testing.T) {
	t.Run("should be independent of key order", func(t *testing.T) {
		a := decode(t, `{"amount": 120.5, "meta": {"region": "west", "rep": "ana"}, "tags": ["a","b"]}`)
		b := decode(t, `{"tags": ["a","b"], "meta": {"rep": "ana", "region": "west"}, "amount": 120.5}`)

		assert.Equal(t, Compute(tenant, connection, "metric", a), Compute(tenant, connection, "metric", b))
	})

	t.Run("should be stable across calls", func(t *testing.T) {
		p := decode(t, `{"x": 1}`)
		first := Compute(tenant, connection, "metric", p)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, Compute(tenant, connection, "metric", p))
		}
		assert.Len(t, first, 64)
	})

	t.Run("should treat equal json numbers as identical", func(t *testing.T) {
		a := decode(t, `{"x": 1.0}`)
		b := decode(t, `{"x": 1}`)
		assert.Equal(t, Compute(tenant, connection, "metric", a), Compute(tenant, connection, "metric", b))
	})

	t.Run("should scope by tenant, connection and event type", func(t *testing.T) {
		p := decode(t, `{"x": 1}`)
		base := Compute(tenant, connection, "metric", p)

		assert.NotEqual(t, base, Compute("other-tenant", connection, "metric", p))
		assert.NotEqual(t, base, Compute(tenant, "other-connection", "metric", p))
		assert.NotEqual(t, base, Compute(tenant, connection, "invoice.paid", p))
	})

	t.Run("should distinguish nil and empty payloads from populated ones", func(t *testing.T) {
		assert.Equal(t, Compute(tenant, connection, "metric", nil), Compute(tenant, connection, "metric", nil))
		assert.NotEqual(t, Compute(tenant, connection, "metric", nil), Compute(tenant, connection, "metric", map[string]any{}))
	})

	t.Run("should not confuse string and number values", func(t *testing.T) {
		a := map[string]any{"x": "1"}
		b := map[string]any{"x": float64(1)}
		assert.NotEqual(t, Compute(tenant, connection, "metric", a), Compute(tenant, connection, "metric", b))
	})
}

// randomPayload builds a nested payload from a seeded source.
func randomPayload(r *rand.Rand, depth int) map[string]any {
	m := map[string]any{}
	n := 1 + r.Intn(5)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("k%d", r.Intn(20))
		switch r.Intn(5) {
		case 0:
			m[key] = r.Float64() * 1000
		case 1:
			m[key] = fmt.Sprintf("s%d", r.Int63())
		case 2:
			m[key] = r.Intn(2) == 0
		case 3:
			if depth > 0 {
				m[key] = randomPayload(r, depth-1)
			} else {
				m[key] = nil
			}
		case 4:
			m[key] = []any{r.Float64(), fmt.Sprintf("i%d", r.Intn(100))}
		}
	}
	return m
}

// mutate changes exactly one leaf value of a deep copy of p.
func mutate(r *rand.Rand, p map[string]any) map[string]any {
	var cp map[string]any
	b, _ := json.Marshal(p)
	_ = json.Unmarshal(b, &cp)

	keys := make([]string, 0, len(cp))
	for k := range cp {
		keys = append(keys, k)
	}
	key := keys[r.Intn(len(keys))]
	switch v := cp[key].(type) {
	case float64:
		cp[key] = v + 1
	case string:
		cp[key] = v + "x"
	case bool:
		cp[key] = !v
	case map[string]any:
		if len(v) == 0 {
			cp[key] = nil
		} else {
			cp[key] = mutate(r, v)
		}
	default:
		cp[key] = "mutated"
	}
	return cp
}

func TestCompute_RandomizedMutationsNeverCollide(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		original := randomPayload(r, 2)
		mutated := mutate(r, original)

		a := Compute(tenant, connection, "metric", original)
		b := Compute(tenant, connection, "metric", mutated)
		require.NotEqual(t, a, b, "payloads %v and %v collided", original, mutated)

		// Round-tripping through JSON (which reorders nothing semantically) keeps the key.
		var roundTrip map[string]any
		raw, _ := json.Marshal(original)
		require.NoError(t, json.Unmarshal(raw, &roundTrip))
		require.Equal(t, a, Compute(tenant, connection, "metric", roundTrip))
	}
}

func TestCanonicalize(t *testing.T) {
	t.Run("should render a nil object as null and an empty one as {}", func(t *testing.T) {
		var nilMap map[string]any
		assert.Equal(t, "null", Canonicalize(nilMap))
		assert.Equal(t, "{}", Canonicalize(map[string]any{}))
		assert.Equal(t, `{"a":null}`, Canonicalize(map[string]any{"a": nilMap}))
	})

	t.Run("should sort keys at every depth", func(t *testing.T) {
		v := map[string]any{"b": 1.0, "a": map[string]any{"d": "x", "c": []any{true, nil}}}
		assert.Equal(t, `{"a":{"c":[true,null],"d":"x"},"b":1}`, Canonicalize(v))
	})

	t.Run("should keep unencodable values apart from string values", func(t *testing.T) {
		unencodable := Canonicalize(map[string]any{"x": make(chan int)})
		assert.NotEqual(t, Canonicalize(map[string]any{"x": "!unencodable"}), unencodable)
		assert.NotEqual(t, Canonicalize(map[string]any{"x": "<unencodable chan int>"}), unencodable)
		assert.NotEqual(t, Canonicalize(map[string]any{"x": func() {}}), unencodable)
	})
}

func TestHashToken(t *testing.T) {
	assert.Equal(t, HashToken("secret"), HashToken("secret"))
	assert.NotEqual(t, HashToken("secret"), HashToken("secret2"))
	assert.Equal(t, "2bb80d537b1da3e38bd30361aa855686bde0eacd7162fef6a25fe97bf527a25b", HashToken("secret"))
}
