// ABOUTME: Tests for agent output extraction and JSON comparison
// ABOUTME: Covers fenced output, tolerance, ordering rules, and diff paths

package verify

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify_ExactMatch(t *testing.T) {
	expected := `{"product_titles": ["Rustic Paper Wallet", "Small Marble Shoes"]}`
	output := `{"product_titles": ["Rustic Paper Wallet", "Small Marble Shoes"]}`

	v := Verify(output, expected)
	assert.True(t, v.Success)
	assert.Empty(t, v.Diff)
	assert.NoError(t, v.Err)
}

func TestVerify_KeyOrderInsensitive(t *testing.T) {
	expected := `{"count": 3, "average_rating": 4.6}`
	output := `{"average_rating": 4.6, "count": 3}`

	v := Verify(output, expected)
	assert.True(t, v.Success)
}

func TestVerify_ListOrderMatters(t *testing.T) {
	expected := `{"titles": ["a", "b"]}`
	output := `{"titles": ["b", "a"]}`

	v := Verify(output, expected)
	assert.False(t, v.Success)
	assert.Contains(t, v.Diff, "titles[0]")
}

func TestVerify_NumericTolerance(t *testing.T) {
	expected := `{"average_rating": 4.5}`

	v := Verify(`{"average_rating": 4.5000000000001}`, expected)
	assert.True(t, v.Success, "difference below tolerance must match")

	v = Verify(`{"average_rating": 4.51}`, expected)
	assert.False(t, v.Success)
	assert.Contains(t, v.Diff, "average_rating")
}

func TestVerify_IntAgainstFloat(t *testing.T) {
	// 5 and 5.0 are the same number.
	v := Verify(`{"count": 5.0}`, `{"count": 5}`)
	assert.True(t, v.Success)
}

func TestVerify_FencedOutput(t *testing.T) {
	expected := `{"product_titles": ["Rustic Paper Wallet"]}`
	output := "```json\n{\"product_titles\": [\"Rustic Paper Wallet\"]}\n```"

	v := Verify(output, expected)
	assert.True(t, v.Success)
}

func TestVerify_ProseWrappedOutput(t *testing.T) {
	expected := `{"count": 2}`
	output := `After filtering the dashboard, the answer is {"count": 2}. Let me know if you need more.`

	v := Verify(output, expected)
	assert.True(t, v.Success)
}

func TestVerify_UnparsableOutput(t *testing.T) {
	v := Verify("I could not complete the task.", `{"count": 2}`)
	assert.False(t, v.Success)
	assert.ErrorIs(t, v.Err, ErrUnparsableOutput)
}

func TestVerify_BadExpectedAnswer(t *testing.T) {
	v := Verify(`{"count": 2}`, `{not json`)
	assert.False(t, v.Success)
	assert.ErrorIs(t, v.Err, ErrBadExpected)
}

func TestVerify_MissingKey(t *testing.T) {
	v := Verify(`{"count": 2}`, `{"count": 2, "total": 10}`)
	assert.False(t, v.Success)
	assert.Contains(t, v.Diff, "expected 2 keys")
	assert.Contains(t, v.Diff, "missing: total")
}

func TestVerify_ExtraKey(t *testing.T) {
	v := Verify(`{"count": 2, "note": "done"}`, `{"count": 2}`)
	assert.False(t, v.Success)
	assert.Contains(t, v.Diff, "extra: note")
}

func TestVerify_TypeMismatch(t *testing.T) {
	v := Verify(`{"count": "2"}`, `{"count": 2}`)
	assert.False(t, v.Success)
	assert.Contains(t, v.Diff, "expected number, got string")
}

func TestVerify_NestedStructures(t *testing.T) {
	expected := `{
		"products": [
			{"title": "Rustic Paper Wallet", "rating": 4.7, "in_stock": true},
			{"title": "Small Marble Shoes", "rating": 4.9, "in_stock": null}
		]
	}`
	matching := `{
		"products": [
			{"rating": 4.7, "in_stock": true, "title": "Rustic Paper Wallet"},
			{"in_stock": null, "title": "Small Marble Shoes", "rating": 4.9}
		]
	}`
	v := Verify(matching, expected)
	assert.True(t, v.Success)

	wrong := `{
		"products": [
			{"title": "Rustic Paper Wallet", "rating": 4.7, "in_stock": true},
			{"title": "Small Marble Shoes", "rating": 4.8, "in_stock": null}
		]
	}`
	v = Verify(wrong, expected)
	assert.False(t, v.Success)
	assert.Contains(t, v.Diff, "products[1].rating")
}

func TestExtract_RoundTrip(t *testing.T) {
	cases := []string{
		`{"a": 1, "b": [1, 2, 3], "c": {"d": null}}`,
		`[1, "two", 3.5, false]`,
		`{"nested": {"deeply": {"value": "yes"}}}`,
	}
	for _, src := range cases {
		var want any
		require.NoError(t, json.Unmarshal([]byte(src), &want))

		got, err := Extract(src)
		require.NoError(t, err)
		assert.Equal(t, want, got)

		// The same value survives fencing and prose wrapping.
		got, err = Extract("```json\n" + src + "\n```")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestExtract_BareScalars(t *testing.T) {
	got, err := Extract(`"just a string"`)
	require.NoError(t, err)
	assert.Equal(t, "just a string", got)

	got, err = Extract(`42`)
	require.NoError(t, err)
	assert.Equal(t, float64(42), got)
}
