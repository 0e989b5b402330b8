package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyvo/bundlecdn/pkg/bundle"
)

func newTestNormalizer() *Normalizer {
	return New(Defaults{Version: "latest", Format: bundle.FormatUMD})
}

func TestNormalize_OrderIndependent(t *testing.T) {
	n := newTestNormalizer()

	a, err := n.Key(Request{Modules: []string{"a@1.0.0", "b@2.0.0"}})
	require.NoError(t, err)
	b, err := n.Key(Request{Modules: []string{"b@2.0.0", "a@1.0.0"}})
	require.NoError(t, err)
	assert.Equal(t, a, b, "package order must not change the key")

	c, err := n.Key(Request{Versions: map[string]string{"B": "v2.0.0", "a": "=1.0.0"}})
	require.NoError(t, err)
	assert.Equal(t, a, c, "versions map, case and version spelling must not change the key")
}

func TestNormalize_OptionFormatting(t *testing.T) {
	n := newTestNormalizer()

	a, err := n.Key(Request{
		Modules: []string{"lodash@^4.0.0"},
		Options: map[string]string{"minify": "true", "format": "UMD"},
	})
	require.NoError(t, err)
	b, err := n.Key(Request{
		Modules: []string{"LODASH@^4"},
		Options: map[string]string{" Format ": "umd", "MINIFY": "1", "callback": "ignored"},
	})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := n.Key(Request{Modules: []string{"lodash@^4"}, Options: map[string]string{"minify": "false"}})
	require.NoError(t, err)
	assert.NotEqual(t, a, c, "different options must produce different keys")
}

func TestNormalize_AppliesDefaults(t *testing.T) {
	n := New(Defaults{Version: "latest", Format: bundle.FormatUMD, Minify: true})

	spec, err := n.Normalize(Request{Modules: []string{"lodash.merge"}})
	require.NoError(t, err)

	require.Len(t, spec.Packages, 1)
	assert.Equal(t, bundle.Package{Name: "lodash.merge", Range: "latest"}, spec.Packages[0])
	assert.Equal(t, bundle.FormatUMD, spec.Options.Format)
	assert.True(t, spec.Options.Minify)
	assert.Equal(t, "lodashMerge", spec.Options.GlobalName)
}

func TestNormalize_GlobalNameOnlyForWrappedFormats(t *testing.T) {
	n := newTestNormalizer()

	spec, err := n.Normalize(Request{
		Modules: []string{"react"},
		Options: map[string]string{"format": "esm", "standalone": "React"},
	})
	require.NoError(t, err)
	assert.Empty(t, spec.Options.GlobalName)

	spec, err = n.Normalize(Request{Modules: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Empty(t, spec.Options.GlobalName, "multi-package bundles get no implicit global")
}

func TestNormalize_ScopedPackages(t *testing.T) {
	n := newTestNormalizer()

	spec, err := n.Normalize(Request{Modules: []string{"@Babel/Core@~7.1"}})
	require.NoError(t, err)
	assert.Equal(t, bundle.Package{Name: "@babel/core", Range: "~7.1.0"}, spec.Packages[0])
	assert.Equal(t, "core", spec.Options.GlobalName)
}

func TestNormalize_DuplicatePackages(t *testing.T) {
	n := newTestNormalizer()

	spec, err := n.Normalize(Request{Modules: []string{"a@^1", "a@^1.0.0"}})
	require.NoError(t, err)
	assert.Len(t, spec.Packages, 1)

	_, err = n.Normalize(Request{Modules: []string{"a@1", "a@2"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, bundle.ErrInvalidRequest)
}

func TestNormalize_InvalidRequests(t *testing.T) {
	n := newTestNormalizer()

	cases := map[string]Request{
		"no packages":     {},
		"empty entry":     {Modules: []string{"  "}},
		"bad name":        {Modules: []string{"bad name"}},
		"leading dot":     {Modules: []string{".hidden"}},
		"bad range":       {Modules: []string{"lodash@>=abc"}},
		"bad format":      {Modules: []string{"lodash"}, Options: map[string]string{"format": "amd"}},
		"bad minify":      {Modules: []string{"lodash"}, Options: map[string]string{"minify": "maybe"}},
		"bad global name": {Modules: []string{"lodash"}, Options: map[string]string{"standalone": "not-valid"}},
	}

	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := n.Normalize(req)
			require.Error(t, err)
			assert.Equal(t, bundle.KindInvalidRequest, bundle.KindOf(err))
		})
	}
}

func TestNormalize_InvalidPackageIsReported(t *testing.T) {
	n := newTestNormalizer()

	_, err := n.Normalize(Request{Modules: []string{"left-pad@>=abc"}})
	require.Error(t, err)
	assert.Equal(t, "left-pad", bundle.AsError(err).Package)
}

func TestNormalize_TooManyPackages(t *testing.T) {
	n := newTestNormalizer()

	modules := make([]string, MaxPackages+1)
	for i := range modules {
		modules[i] = "pkg" + string(rune('a'+i%26)) + string(rune('a'+i/26))
	}
	_, err := n.Normalize(Request{Modules: modules})
	assert.ErrorIs(t, err, bundle.ErrInvalidRequest)
}

func TestGlobalName(t *testing.T) {
	assert.Equal(t, "lodash", GlobalName("lodash"))
	assert.Equal(t, "fooBar", GlobalName("@scope/foo-bar"))
	assert.Equal(t, "_3dView", GlobalName("3d-view"))
	assert.Equal(t, "bundle", GlobalName("---"))
}
