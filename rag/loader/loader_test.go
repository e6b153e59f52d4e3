package loader

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BaSui01/ddrflow/rag"
	"github.com/BaSui01/ddrflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const passagesJSONL = `{"id":"p1","text":"Drilled 8 1/2in hole to 2850 m","embedding":[1,0,0],"source":"ddr_0101.pdf","metadata":{"wellbore":"15/9-F-12","depth_md":2850}}

{"id":"p2","text":"Circulated bottoms up, gas 2.0%","embedding":[0,1,0],"source":"ddr_0102.pdf","metadata":{"wellbore":"15/9-F-12"}}
`

const graphJSON = `{
  "entities": [
    {"id":"15/9-F-12","type":"wellbore","attributes":{"operator":"Equinor"}},
    {"id":"a1","type":"activity","attributes":{"depth":2850,"activity_type":"drilling"},"source":"ddr_0101.pdf"},
    {"id":"g1","type":"anomaly","attributes":{"gas_percentage":2.0,"depth":2900}}
  ],
  "relations": [
    {"from":"15/9-F-12","to":"a1","type":"spatial","label":"HAS_ACTIVITY"},
    {"from":"a1","to":"g1","type":"causal","label":"CAUSED","weight":0.7}
  ]
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestReadPassages_JSONL(t *testing.T) {
	ps, err := ReadPassages(strings.NewReader(passagesJSONL), true)
	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.Equal(t, "p1", ps[0].ID)
	assert.Equal(t, []float64{1, 0, 0}, ps[0].Embedding)
	assert.Equal(t, "15/9-F-12", ps[0].Metadata.Wellbore)
	assert.Equal(t, 2850.0, ps[0].Metadata.DepthMD)
}

func TestReadPassages_JSONArray(t *testing.T) {
	ps, err := ReadPassages(strings.NewReader(`[{"id":"x","text":"t","embedding":[0.5]}]`), false)
	require.NoError(t, err)
	require.Len(t, ps, 1)

	ps, err = ReadPassages(strings.NewReader(""), false)
	require.NoError(t, err)
	assert.Empty(t, ps)
}

func TestReadPassages_BadLine(t *testing.T) {
	_, err := ReadPassages(strings.NewReader("{\"id\":\"ok\"}\nnot json\n"), true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestReadGraph(t *testing.T) {
	g, err := ReadGraph(strings.NewReader(graphJSON), rag.NewGraphBuilder(nil))
	require.NoError(t, err)
	assert.Equal(t, 3, g.Len())

	e, ok := g.Entity("g1")
	require.True(t, ok)
	assert.Equal(t, 2.0, e.Attributes["gas_percentage"])
	assert.Equal(t, "15/9-F-12", g.WellboreOf("a1"))

	out := g.Outgoing("a1")
	require.Len(t, out, 1)
	assert.Equal(t, rag.RelationCausal, out[0].Type)
	assert.InDelta(t, 0.7, out[0].Weight, 1e-9)
}

func TestReadGraph_DanglingRelation(t *testing.T) {
	snap := `{"entities":[{"id":"a","type":"activity"}],"relations":[{"from":"a","to":"missing","type":"temporal"}]}`
	_, err := ReadGraph(strings.NewReader(snap), rag.NewGraphBuilder(nil))
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))
}

func TestLoad(t *testing.T) {
	pp := writeFile(t, "passages.jsonl", passagesJSONL)
	gp := writeFile(t, "graph.json", graphJSON)

	ds, err := Load(context.Background(), pp, gp, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Index.Size())
	assert.Equal(t, 3, ds.Graph.Len())
	assert.Equal(t, []string{"15/9-F-12"}, ds.Index.Wellbores())
}

func TestLoad_EmptyPaths(t *testing.T) {
	ds, err := Load(context.Background(), "", "", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, ds.Index.Size())
	assert.Equal(t, 0, ds.Graph.Len())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "nope.jsonl"), "", nil)
	assert.Error(t, err)
}

func TestLoad_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pp := writeFile(t, "passages.jsonl", passagesJSONL)
	_, err := Load(ctx, pp, "", nil)
	assert.ErrorIs(t, err, context.Canceled)
}
