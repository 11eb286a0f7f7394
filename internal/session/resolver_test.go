package session

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"movesia-index/internal/logging"
	"movesia-index/pkg/types"
)

type fakeLocator struct {
	candidates []ProjectRootInfo
}

func (f *fakeLocator) Candidates() ([]ProjectRootInfo, error) {
	return f.candidates, nil
}

func helloEvent(t *testing.T, hello types.HelloBody) types.EventEnvelope {
	t.Helper()
	body, err := json.Marshal(hello)
	require.NoError(t, err)
	return types.EventEnvelope{V: 1, Source: "unity", Type: "hello", TS: 1, ID: "h1", Body: body}
}

func assetsEvent(t *testing.T) types.EventEnvelope {
	t.Helper()
	body, err := json.Marshal(types.AssetsBody{})
	require.NoError(t, err)
	return types.EventEnvelope{V: 1, Source: "unity", Type: "assets_imported", TS: 2, ID: "e1", Body: body}
}

func TestResolveByProductGUID(t *testing.T) {
	locator := &fakeLocator{candidates: []ProjectRootInfo{{Root: "/proj/a", ProductGUID: "guid-a"}}}
	r := NewResolver(locator, logging.NewLogger(logging.ERROR))

	res, pending, err := r.Ingest("s1", helloEvent(t, types.HelloBody{ProductGUID: "guid-a"}))
	require.NoError(t, err)
	require.False(t, pending)
	require.NotNil(t, res)
	assert.Equal(t, "/proj/a", res.Root)
	assert.Len(t, res.Events, 1)
}

func TestResolveByDataPathAssetsFolder(t *testing.T) {
	r := NewResolver(&fakeLocator{}, logging.NewLogger(logging.ERROR))

	res, pending, err := r.Ingest("s1", helloEvent(t, types.HelloBody{DataPath: `C:\Projects\Game\Assets`}))
	require.NoError(t, err)
	require.False(t, pending)
	assert.Equal(t, "C:/Projects/Game", res.Root)
}

func TestUnresolvedHelloStaysBuffered(t *testing.T) {
	r := NewResolver(&fakeLocator{}, logging.NewLogger(logging.ERROR))

	res, pending, err := r.Ingest("s1", helloEvent(t, types.HelloBody{ProductGUID: "unknown"}))
	require.NoError(t, err)
	assert.True(t, pending)
	assert.Nil(t, res)

	_, ok := r.Root("s1")
	assert.False(t, ok)
}

func TestEventsBufferInArrivalOrderAndDrainOnResolution(t *testing.T) {
	locator := &fakeLocator{}
	r := NewResolver(locator, logging.NewLogger(logging.ERROR))

	_, pending, err := r.Ingest("s1", assetsEvent(t))
	require.NoError(t, err)
	assert.True(t, pending)

	_, pending, err = r.Ingest("s1", assetsEvent(t))
	require.NoError(t, err)
	assert.True(t, pending)

	r.SetOuterResolvedRoot("s1", "/outer/root")
	res, pending, err := r.Ingest("s1", helloEvent(t, types.HelloBody{}))
	require.NoError(t, err)
	assert.False(t, pending)
	require.NotNil(t, res)
	assert.Equal(t, "/outer/root", res.Root)
	assert.Len(t, res.Events, 3)
	assert.Equal(t, "assets_imported", res.Events[0].Type)
	assert.Equal(t, "assets_imported", res.Events[1].Type)
	assert.Equal(t, "hello", res.Events[2].Type)
}

func TestMajorVersionTiebreakRequiresUniqueMatch(t *testing.T) {
	locator := &fakeLocator{candidates: []ProjectRootInfo{
		{Root: "/proj/a", UnityVersion: "2022.3.15f1"},
		{Root: "/proj/b", UnityVersion: "2021.1.0f1"},
	}}
	r := NewResolver(locator, logging.NewLogger(logging.ERROR))

	res, pending, err := r.Ingest("s1", helloEvent(t, types.HelloBody{UnityVersion: "2022.3.9f1"}))
	require.NoError(t, err)
	assert.False(t, pending)
	assert.Equal(t, "/proj/a", res.Root)
}

func TestMajorVersionTiebreakAmbiguousStaysUnresolved(t *testing.T) {
	locator := &fakeLocator{candidates: []ProjectRootInfo{
		{Root: "/proj/a", UnityVersion: "2022.3.15f1"},
		{Root: "/proj/b", UnityVersion: "2022.1.0f1"},
	}}
	r := NewResolver(locator, logging.NewLogger(logging.ERROR))

	_, pending, err := r.Ingest("s1", helloEvent(t, types.HelloBody{UnityVersion: "2022.3.9f1"}))
	require.NoError(t, err)
	assert.True(t, pending)
}

func TestAlreadyResolvedSessionForwardsImmediately(t *testing.T) {
	locator := &fakeLocator{candidates: []ProjectRootInfo{{Root: "/proj/a", ProductGUID: "guid-a"}}}
	r := NewResolver(locator, logging.NewLogger(logging.ERROR))

	_, _, err := r.Ingest("s1", helloEvent(t, types.HelloBody{ProductGUID: "guid-a"}))
	require.NoError(t, err)

	res, pending, err := r.Ingest("s1", assetsEvent(t))
	require.NoError(t, err)
	assert.False(t, pending)
	require.NotNil(t, res)
	assert.Equal(t, "/proj/a", res.Root)
	assert.Len(t, res.Events, 1)
}

func TestForgetClearsState(t *testing.T) {
	locator := &fakeLocator{candidates: []ProjectRootInfo{{Root: "/proj/a", ProductGUID: "guid-a"}}}
	r := NewResolver(locator, logging.NewLogger(logging.ERROR))
	_, _, err := r.Ingest("s1", helloEvent(t, types.HelloBody{ProductGUID: "guid-a"}))
	require.NoError(t, err)

	r.Forget("s1")
	_, ok := r.Root("s1")
	assert.False(t, ok)
}
