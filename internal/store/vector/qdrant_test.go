package vector

import (
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePayloadSurvivesValueConversion(t *testing.T) {
	// same shape the indexer produces for an issue point
	payload := map[string]interface{}{
		"issue_id":        "TS-A123-001-issue-1",
		"case_id":         "TS-A123-001",
		"problem":         "分型面毛刺",
		"defect_types":    []string{"毛刺", "飞边"},
		"tags":            []string{"外观"},
		"vl_descriptions": []string(nil),
		"has_images":      true,
		"image_count":     2,
		"vlm_confidence":  0.85,
	}

	var values map[string]*qdrant.Value
	require.NotPanics(t, func() {
		values = qdrant.NewValueMap(normalizePayload(payload))
	})

	list := values["defect_types"].GetListValue().GetValues()
	require.Len(t, list, 2)
	assert.Equal(t, "毛刺", list[0].GetStringValue())
	assert.Empty(t, values["vl_descriptions"].GetListValue().GetValues())
	assert.True(t, values["has_images"].GetBoolValue())

	// round-trips back to plain values for the search path
	back := payloadToMap(values)
	assert.Equal(t, []interface{}{"毛刺", "飞边"}, back["defect_types"])
	assert.Equal(t, "TS-A123-001", back["case_id"])
}

func TestBuildFilterShapes(t *testing.T) {
	assert.Nil(t, buildFilter(nil))
	assert.Nil(t, buildFilter(&Filters{}))

	f := buildFilter(&Filters{PartNumber: "A123", Result: "OK"})
	require.NotNil(t, f)
	assert.Len(t, f.Must, 1)
	assert.Len(t, f.Should, 2)
}
