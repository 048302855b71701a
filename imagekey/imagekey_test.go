package imagekey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeIdentity(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Identity
		wantErr bool
	}{
		{name: "plain", raw: "a/b.jpg", want: "a/b.jpg"},
		{name: "collapse slashes", raw: "a//b///c", want: "a/b/c"},
		{name: "strip leading", raw: "/a/b", want: "a/b"},
		{name: "strip trailing", raw: "a/b/", want: "a/b"},
		{name: "both", raw: "//a//b//", want: "a/b"},
		{name: "empty", raw: "", wantErr: true},
		{name: "only slashes", raw: "///", wantErr: true},
		{name: "reserved separator", raw: "a#b", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeIdentity(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeIdentityEquality(t *testing.T) {
	a, err := NormalizeIdentity("/a//b/")
	require.NoError(t, err)
	b, err := NormalizeIdentity("a/b")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFormatFromString(t *testing.T) {
	f, err := FormatFromString("JPEG")
	require.NoError(t, err)
	assert.Equal(t, FormatJPG, f)

	f, err = FormatFromString("tiff")
	require.NoError(t, err)
	assert.Equal(t, FormatTIF, f)

	_, err = FormatFromString("miff")
	assert.Error(t, err)
}

func TestKeyOriginal(t *testing.T) {
	k := NewKey("a/b", TransformParams{})
	assert.Equal(t, Key("a/b"), k)
	assert.False(t, k.IsDerived())
	assert.Equal(t, Identity("a/b"), k.Identity())
}

func TestKeyDeterministic(t *testing.T) {
	p := TransformParams{MaxWidth: 640, MaxHeight: 480, Format: FormatJPG, StripMetadata: true}
	assert.Equal(t, NewKey("a/b", p), NewKey("a/b", p))
	assert.Equal(t, Key("a/b#h=480,w=640.jpg"), NewKey("a/b", p))
}

func TestKeyInjective(t *testing.T) {
	base := TransformParams{Format: FormatJPG, StripMetadata: true}
	variants := []TransformParams{
		base,
		{Format: FormatPNG, StripMetadata: true},
		{Format: FormatJPG, StripMetadata: false},
		{Format: FormatJPG, StripMetadata: true, MaxWidth: 100},
		{Format: FormatJPG, StripMetadata: true, MaxHeight: 100},
		{Format: FormatJPG, StripMetadata: true, Thumbnail: true},
		{Format: FormatJPG, StripMetadata: true, Enhance: Enhance{Equalise: true}},
		{Format: FormatJPG, StripMetadata: true, Enhance: Enhance{Sharpen: true}},
		{Format: FormatJPG, StripMetadata: true, Enhance: Enhance{LiquidRescale: true, LiquidCutinRatio: 5}},
		{Format: FormatJPG, StripMetadata: true, Enhance: Enhance{LiquidRescale: true, LiquidCutinRatio: 2.5}},
	}

	seen := make(map[Key]TransformParams)
	for _, p := range variants {
		k := NewKey("x/y", p)
		prev, dup := seen[k]
		require.False(t, dup, "params %+v and %+v collide on %q", prev, p, k)
		seen[k] = p
	}
}

func TestKeyIdentityRecovery(t *testing.T) {
	p := TransformParams{Format: FormatPNG, Thumbnail: true, StripMetadata: true}
	k := NewKey("gallery/2020/img-001", p)
	assert.True(t, k.IsDerived())
	assert.True(t, k.IsThumbnail())
	assert.Equal(t, Identity("gallery/2020/img-001"), k.Identity())
}

func TestKeyMatchesIdentityExact(t *testing.T) {
	p := TransformParams{Format: FormatJPG, StripMetadata: true}
	assert.True(t, NewKey("a/b", p).MatchesIdentity("a/b"))
	assert.True(t, NewKey("a/b", TransformParams{}).MatchesIdentity("a/b"))
	assert.False(t, NewKey("a/bc", p).MatchesIdentity("a/b"))
	assert.False(t, NewKey("a/b/c", p).MatchesIdentity("a/b"))
}

func TestKeyThumbnailFlag(t *testing.T) {
	plain := NewKey("a/b", TransformParams{Format: FormatJPG, StripMetadata: true})
	assert.False(t, plain.IsThumbnail())
	assert.False(t, Key("a/b").IsThumbnail())
}

func TestParamsValidate(t *testing.T) {
	assert.NoError(t, TransformParams{}.Validate())
	assert.NoError(t, TransformParams{Format: FormatJPG, StripMetadata: true}.Validate())
	assert.Error(t, TransformParams{MaxWidth: 10}.Validate(), "derived without format")
	assert.Error(t, TransformParams{Format: "miff"}.Validate())
	assert.Error(t, TransformParams{Format: FormatJPG, Enhance: Enhance{LiquidRescale: true}}.Validate())
}

func TestKeyHashStable(t *testing.T) {
	k := NewKey("a/b", TransformParams{Format: FormatJPG, StripMetadata: true})
	h := k.Hash()
	assert.Len(t, h, 64)
	assert.Equal(t, h, k.Hash())
}
