package export

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"gopkg.in/yaml.v3"

	"github.com/tschenkster/ai-data-transformer-sub000/internal/application"
)

func ptr(v uint) *uint { return &v }

func sampleTree() application.TreeView {
	return application.TreeView{
		StructureID: 1,
		Count:       3,
		Roots: []application.TreeNode{
			{ID: 1, Key: "cogs_root", Description: "Cost of goods sold", Rank: 10, Display: true, Children: []application.TreeNode{
				{ID: 3, Key: "cogs_3", Description: "Freight", ParentID: ptr(1), Rank: 20, Depth: 1, IsLeaf: true, Display: true},
			}},
			{ID: 2, Key: "opex_root", Description: "Operating expenses", Rank: 30, Display: false},
		},
	}
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, sampleTree(), "P&L: 2026/Q1"))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	sheet := f.GetSheetName(0)
	assert.Equal(t, "P&L_ 2026_Q1", sheet)

	rows, err := f.GetRows(sheet)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"Key", "Description", "Depth", "Rank", "Parent", "Leaf", "Display", "Flags"}, rows[0])
	assert.Equal(t, "cogs_root", rows[1][0])
	assert.Equal(t, "cogs_3", rows[2][0])
	assert.Equal(t, "1", rows[2][2])
	assert.Equal(t, "cogs_root", rows[2][4])
	assert.Equal(t, "opex_root", rows[3][0])
}

func TestWriteYAMLNestsChildren(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteYAML(&buf, sampleTree()))

	var doc yamlDoc
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))
	require.Len(t, doc.Items, 2)
	assert.Equal(t, "cogs_root", doc.Items[0].Key)
	require.Len(t, doc.Items[0].Children, 1)
	assert.Equal(t, "cogs_3", doc.Items[0].Children[0].Key)
	assert.True(t, doc.Items[0].Children[0].Leaf)
	assert.True(t, doc.Items[1].Hidden)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatXLSX, f)

	f, err = ParseFormat("YML")
	require.NoError(t, err)
	assert.Equal(t, FormatYAML, f)

	_, err = ParseFormat("csv")
	assert.Error(t, err)
}
