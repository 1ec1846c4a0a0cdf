package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Run("keeps large numbers exact", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"id":9007199254740993,"n":1.5}`))
		var v map[string]any
		require.NoError(t, Decode(r, &v))
		assert.Equal(t, json.Number("9007199254740993"), v["id"])
		assert.Equal(t, json.Number("1.5"), v["n"])
	})

	t.Run("typed fields decode as usual", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"limit":10}`))
		var v struct {
			Limit int `json:"limit"`
		}
		require.NoError(t, Decode(r, &v))
		assert.Equal(t, 10, v.Limit)
	})

	t.Run("empty body", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
		var v map[string]any
		assert.ErrorIs(t, Decode(r, &v), ErrEmptyBody)
	})

	t.Run("malformed body", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"id":`))
		var v map[string]any
		err := Decode(r, &v)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrEmptyBody)
	})
}

func TestError(t *testing.T) {
	rec := httptest.NewRecorder()
	BadRequest(rec, "bad input")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"success":false,"error":"bad input"}`, rec.Body.String())
}
