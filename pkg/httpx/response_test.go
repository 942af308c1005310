package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondErr_Status(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errors.New("boom"), http.StatusInternalServerError},
		{WithStatus(http.StatusNotFound, errors.New("missing")), http.StatusNotFound},
		{fmt.Errorf("open: %w", WithStatus(http.StatusConflict, errors.New("busy"))), http.StatusConflict},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		RespondErr(rec, tt.err)
		assert.Equal(t, tt.want, rec.Code, tt.err.Error())

		var body ErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, http.StatusText(tt.want), body.Error)
		assert.Equal(t, tt.err.Error(), body.Message)
	}
	assert.NoError(t, WithStatus(http.StatusBadRequest, nil))
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Path string `json:"path"`
	}

	decode := func(body string) error {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		return DecodeJSON(httptest.NewRecorder(), r, &v)
	}

	require.NoError(t, decode(`{"path":"a.wav"}`))
	assert.Equal(t, "a.wav", v.Path)

	for _, body := range []string{"", "{", `{"other":1}`} {
		err := decode(body)
		var se *StatusError
		require.True(t, errors.As(err, &se), "body %q", body)
		assert.Equal(t, http.StatusBadRequest, se.Status)
	}
}
