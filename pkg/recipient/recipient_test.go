package recipient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cccc-dev/cccc/pkg/kernel"
	"github.com/cccc-dev/cccc/pkg/models"
)

func testActors() []models.ActorView {
	return []models.ActorView{
		{ID: "fox", Title: "Fox", Role: models.RoleForeman, Enabled: true, Running: true},
		{ID: "owl", Title: "Owl", Role: models.RolePeer, Enabled: true, Running: false},
		{ID: "elk", Title: "Elk", Role: models.RolePeer, Enabled: false},
	}
}

func TestNormalize(t *testing.T) {
	actors := testActors()

	tests := []struct {
		name    string
		in      []string
		want    []string
		wantErr bool
	}{
		{name: "empty stays empty", in: nil, want: nil},
		{name: "actor id exact", in: []string{"fox"}, want: []string{"fox"}},
		{name: "title case-insensitive", in: []string{"OWL"}, want: []string{"owl"}},
		{name: "selector lowercased", in: []string{"@ALL"}, want: []string{"@all"}},
		{name: "user alias", in: []string{"user"}, want: []string{"user"}},
		{name: "at-user normalizes", in: []string{"@user"}, want: []string{"user"}},
		{name: "dedupe preserves order", in: []string{"owl", "fox", "Owl", "@user", "user"}, want: []string{"owl", "fox", "user"}},
		{name: "at-prefixed actor id tolerated", in: []string{"@fox"}, want: []string{"fox"}},
		{name: "unknown selector rejected", in: []string{"@everyone"}, wantErr: true},
		{name: "unknown actor rejected", in: []string{"bear"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.in, actors)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, kernel.CodeInvalidRequest, kernel.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeAmbiguousTitle(t *testing.T) {
	actors := []models.ActorView{
		{ID: "a1", Title: "Coder", Enabled: true},
		{ID: "a2", Title: "coder", Enabled: true},
	}
	_, err := Normalize([]string{"Coder"}, actors)
	require.Error(t, err)
	assert.Equal(t, kernel.CodeInvalidRequest, kernel.CodeOf(err))

	// Exact id still resolves despite the title clash.
	got, err := Normalize([]string{"a1"}, actors)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, got)
}

func TestResolveBroadcast(t *testing.T) {
	res := Resolve(nil, testActors(), models.ByUser)
	assert.ElementsMatch(t, []string{"fox", "owl"}, res.ActorIDs)
	assert.False(t, res.ToUser, "user does not receive own broadcast")

	res = Resolve(nil, testActors(), "fox")
	assert.Equal(t, []string{"owl"}, res.ActorIDs)
	assert.True(t, res.ToUser)
}

func TestResolveSelectors(t *testing.T) {
	actors := testActors()

	res := Resolve([]string{SelForeman}, actors, models.ByUser)
	assert.Equal(t, []string{"fox"}, res.ActorIDs)
	assert.False(t, res.ToUser)

	res = Resolve([]string{SelPeers}, actors, models.ByUser)
	assert.Equal(t, []string{"owl"}, res.ActorIDs, "disabled peers excluded")

	res = Resolve([]string{SelAll}, actors, "owl")
	assert.Equal(t, []string{"fox"}, res.ActorIDs, "sender excluded")

	res = Resolve([]string{TokenUser, "owl"}, actors, "fox")
	assert.Equal(t, []string{"owl"}, res.ActorIDs)
	assert.True(t, res.ToUser)
}

func TestResolveNoRecipients(t *testing.T) {
	// Broadcast into an empty actor set resolves to the user only.
	res := Resolve(nil, nil, "fox")
	assert.Empty(t, res.ActorIDs)
	assert.True(t, res.ToUser)
}
