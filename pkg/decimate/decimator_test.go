package decimate

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeBuf(channels, frames int) [][]float32 {
	buf := make([][]float32, channels)
	for ch := range buf {
		buf[ch] = make([]float32, frames)
	}
	return buf
}

func TestFullwave_DecimatePCM(t *testing.T) {
	d, err := New(FullwavePeakRMS)
	require.NoError(t, err)

	in := [][]float32{{1.0, -1.0, 0.5, -0.5}}
	out := makeBuf(3, 1)
	require.NoError(t, d.DecimatePCM(in, out, 0, 1, 4))

	assert.Equal(t, float32(1.0), out[0][0], "positive peak")
	assert.Equal(t, float32(-1.0), out[1][0], "negative peak")
	assert.InDelta(t, 0.625, out[2][0], 1e-6, "mean square")
}

func TestFullwave_DecimateCombinesMeanSquares(t *testing.T) {
	d, err := New(FullwavePeakRMS)
	require.NoError(t, err)

	// Two level-0 frames: mean squares must be averaged, never squared again
	in := [][]float32{
		{0.5, 0.9},
		{-0.2, -0.7},
		{0.25, 0.75},
	}
	out := makeBuf(3, 3)
	require.NoError(t, d.Decimate(in, out, 1, 1, 2))

	assert.Equal(t, float32(0.9), out[0][1])
	assert.Equal(t, float32(-0.7), out[1][1])
	assert.InDelta(t, 0.5, out[2][1], 1e-6)
	assert.Zero(t, out[0][0], "offset respected")
}

func TestHalfwave_DecimatePCM(t *testing.T) {
	d, err := New(HalfwavePeakRMS)
	require.NoError(t, err)

	in := [][]float32{
		{1.0, -1.0, 0.5, -0.5, 0.2, 0.2, 0.2, 0.2},
		{0, 0, 0, -0.8, 0, 0, 0, 0},
	}
	out := makeBuf(8, 2)
	require.NoError(t, d.DecimatePCM(in, out, 0, 2, 4))

	assert.Equal(t, float32(1.0), out[0][0])
	assert.Equal(t, float32(-1.0), out[1][0])
	assert.InDelta(t, (1+0.25)/4.0, out[2][0], 1e-6)
	assert.InDelta(t, (1+0.25)/4.0, out[3][0], 1e-6)

	assert.Equal(t, float32(0.2), out[0][1])
	assert.Equal(t, float32(0), out[1][1], "no negative samples keeps zero peak")
	assert.InDelta(t, 0.04, out[2][1], 1e-6)
	assert.Zero(t, out[3][1])

	assert.Equal(t, float32(-0.8), out[5][0], "second channel negative peak")
	assert.InDelta(t, 0.16, out[7][0], 1e-6)
}

func TestHalfwave_Decimate(t *testing.T) {
	d, err := New(HalfwavePeakRMS)
	require.NoError(t, err)

	in := [][]float32{
		{0.1, 0.4, 0.3, 0.2},
		{-0.1, 0, -0.6, -0.2},
		{0.01, 0.16, 0.09, 0.04},
		{0.01, 0, 0.36, 0.04},
	}
	out := makeBuf(4, 1)
	require.NoError(t, d.Decimate(in, out, 0, 1, 4))

	assert.Equal(t, float32(0.4), out[0][0])
	assert.Equal(t, float32(-0.6), out[1][0])
	assert.InDelta(t, 0.075, out[2][0], 1e-6)
	assert.InDelta(t, 0.1025, out[3][0], 1e-6)
}

func TestMedian_OfFour(t *testing.T) {
	d, err := New(Median)
	require.NoError(t, err)

	in := [][]float32{{3.0, 1.0, 4.0, 2.0}}
	out := makeBuf(1, 1)
	require.NoError(t, d.DecimatePCM(in, out, 0, 1, 4))
	assert.Equal(t, float32(2.5), out[0][0])
}

func TestMedian4_AllOrders(t *testing.T) {
	vals := []float32{-2, 7, 0.5, 3}
	perms := [][4]int{
		{0, 1, 2, 3}, {3, 2, 1, 0}, {1, 3, 0, 2}, {2, 0, 3, 1}, {3, 0, 1, 2}, {1, 2, 3, 0},
	}
	for _, p := range perms {
		got := median4(vals[p[0]], vals[p[1]], vals[p[2]], vals[p[3]])
		if got != 1.75 {
			t.Errorf("median4(%v) = %v, want 1.75", p, got)
		}
	}
}

func TestMedian_RejectsOtherFactors(t *testing.T) {
	d, err := New(Median)
	require.NoError(t, err)

	in := [][]float32{make([]float32, 16)}
	out := makeBuf(1, 1)
	err = d.Decimate(in, out, 0, 1, 16)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupported))
}

func TestDecimatePCM_ChannelMismatch(t *testing.T) {
	d, err := New(FullwavePeakRMS)
	require.NoError(t, err)

	err = d.DecimatePCM(makeBuf(2, 4), makeBuf(3, 1), 0, 1, 4)
	assert.Error(t, err)
}

func TestDecimatePCM_ShortInput(t *testing.T) {
	d, err := New(HalfwavePeakRMS)
	require.NoError(t, err)

	err = d.DecimatePCM(makeBuf(1, 3), makeBuf(4, 1), 0, 1, 4)
	assert.Error(t, err)
}

func TestNew_UnknownModel(t *testing.T) {
	_, err := New(Model(42))
	assert.True(t, errors.Is(err, ErrUnsupported))
}

func TestModel_Validate(t *testing.T) {
	good, err := NewLevels(44100, []int{2, 4, 6})
	require.NoError(t, err)
	bad, err := NewLevels(44100, []int{2, 5})
	require.NoError(t, err)

	assert.NoError(t, Median.Validate(good))
	assert.True(t, errors.Is(Median.Validate(bad), ErrUnsupported))
	assert.NoError(t, FullwavePeakRMS.Validate(bad))
	assert.NoError(t, HalfwavePeakRMS.Validate(bad))
}

func TestParseModel(t *testing.T) {
	tests := []struct {
		in   string
		want Model
	}{
		{"halfwave", HalfwavePeakRMS},
		{"Fullwave", FullwavePeakRMS},
		{"median", Median},
		{"", FullwavePeakRMS},
	}
	for _, tt := range tests {
		got, err := ParseModel(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.in)
		if tt.in != "" {
			assert.Equal(t, got, mustParse(t, got.String()))
		}
	}

	_, err := ParseModel("cubic")
	assert.Error(t, err)
}

func mustParse(t *testing.T, s string) Model {
	t.Helper()
	m, err := ParseModel(s)
	require.NoError(t, err)
	return m
}

func TestModel_JSON(t *testing.T) {
	b, err := json.Marshal(struct {
		Model Model `json:"model"`
	}{Median})
	require.NoError(t, err)
	assert.JSONEq(t, `{"model":"median"}`, string(b))

	var got struct {
		Model Model `json:"model"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"model":"halfwave"}`), &got))
	assert.Equal(t, HalfwavePeakRMS, got.Model)
	assert.Error(t, json.Unmarshal([]byte(`{"model":"cubic"}`), &got))

	_, err = json.Marshal(Model(9))
	assert.Error(t, err)
}
