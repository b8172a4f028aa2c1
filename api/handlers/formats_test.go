package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleFormats(t *testing.T) {
	w := httptest.NewRecorder()
	HandleFormats(w, httptest.NewRequest(http.MethodGet, "/api/v1/formats", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var list FormatList
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	require.Len(t, list.Formats, 6)

	byName := make(map[string]FormatInfo, len(list.Formats))
	for _, f := range list.Formats {
		byName[f.Name] = f
		assert.Len(t, f.Targets, 5, f.Name)
		assert.NotContains(t, f.Targets, f.Name)
	}
	assert.Equal(t, "model/gltf-binary", byName["glb"].MIMEType)
	assert.True(t, byName["bvh"].AnimationOnly)
	assert.Equal(t, []string{"application/octet-stream", "application/x-autodesk-fbx"}, byName["fbx"].MIMETypes)
}
