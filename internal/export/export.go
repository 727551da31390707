// Package export renders a structure's tree for use outside the service.
package export

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
	"gopkg.in/yaml.v3"

	"github.com/tschenkster/ai-data-transformer-sub000/internal/application"
)

type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatYAML Format = "yaml"
)

func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatXLSX:
		return FormatXLSX, nil
	case FormatYAML, "yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("unknown export format %q", s)
}

func (f Format) ContentType() string {
	if f == FormatYAML {
		return "application/yaml"
	}
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}

// Write renders tree in format.
func Write(w io.Writer, format Format, tree application.TreeView, name string) error {
	switch format {
	case FormatXLSX:
		return WriteXLSX(w, tree, name)
	case FormatYAML:
		return WriteYAML(w, tree)
	}
	return fmt.Errorf("unknown export format %q", format)
}

var header = []any{"Key", "Description", "Depth", "Rank", "Parent", "Leaf", "Display", "Flags"}

// WriteXLSX writes one sheet with a row per item in tree order. Descriptions
// are indented by depth.
func WriteXLSX(w io.Writer, tree application.TreeView, name string) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := sheetName(name)
	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", "H1", bold); err != nil {
		return err
	}
	if err := f.SetColWidth(sheet, "A", "A", 18); err != nil {
		return err
	}
	if err := f.SetColWidth(sheet, "B", "B", 48); err != nil {
		return err
	}

	keys := make(map[uint]string, tree.Count)
	tree.Walk(func(n application.TreeNode) { keys[n.ID] = n.Key })

	indents := map[int]int{}
	row := 2
	var walkErr error
	tree.Walk(func(n application.TreeNode) {
		if walkErr != nil {
			return
		}
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			walkErr = err
			return
		}
		parent := ""
		if n.ParentID != nil {
			parent = keys[*n.ParentID]
		}
		values := []any{n.Key, n.Description, n.Depth, n.Rank, parent, n.IsLeaf, n.Display, n.Flags}
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			walkErr = err
			return
		}
		if n.Depth > 0 {
			style, ok := indents[n.Depth]
			if !ok {
				style, err = f.NewStyle(&excelize.Style{Alignment: &excelize.Alignment{Indent: n.Depth}})
				if err != nil {
					walkErr = err
					return
				}
				indents[n.Depth] = style
			}
			desc, _ := excelize.CoordinatesToCellName(2, row)
			if err := f.SetCellStyle(sheet, desc, desc, style); err != nil {
				walkErr = err
				return
			}
		}
		row++
	})
	if walkErr != nil {
		return fmt.Errorf("write rows: %w", walkErr)
	}
	return f.Write(w)
}

type yamlDoc struct {
	StructureID uint          `yaml:"structure_id"`
	Count       int           `yaml:"count"`
	Items       []yamlNode    `yaml:"items"`
	Anomalies   []yamlAnomaly `yaml:"anomalies,omitempty"`
}

type yamlNode struct {
	Key         string     `yaml:"key"`
	Description string     `yaml:"description"`
	Rank        int        `yaml:"rank"`
	Leaf        bool       `yaml:"leaf,omitempty"`
	Hidden      bool       `yaml:"hidden,omitempty"`
	Flags       string     `yaml:"flags,omitempty"`
	Children    []yamlNode `yaml:"children,omitempty"`
}

type yamlAnomaly struct {
	Key  string `yaml:"key"`
	Flag string `yaml:"flag"`
}

// WriteYAML writes the tree as nested items.
func WriteYAML(w io.Writer, tree application.TreeView) error {
	doc := yamlDoc{StructureID: tree.StructureID, Count: tree.Count, Items: make([]yamlNode, 0, len(tree.Roots))}
	for _, r := range tree.Roots {
		doc.Items = append(doc.Items, toYAML(r))
	}
	for _, a := range tree.Anomalies {
		doc.Anomalies = append(doc.Anomalies, yamlAnomaly{Key: a.Key, Flag: a.Flag})
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}

func toYAML(n application.TreeNode) yamlNode {
	out := yamlNode{Key: n.Key, Description: n.Description, Rank: n.Rank, Leaf: n.IsLeaf, Hidden: !n.Display, Flags: n.Flags}
	for _, c := range n.Children {
		out.Children = append(out.Children, toYAML(c))
	}
	return out
}

func sheetName(name string) string {
	name = strings.Map(func(r rune) rune {
		if strings.ContainsRune(`[]:*?/\`, r) {
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	if name == "" {
		return "Structure"
	}
	if runes := []rune(name); len(runes) > 31 {
		name = string(runes[:31])
	}
	return name
}
