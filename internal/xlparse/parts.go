package xlparse

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"strings"
)

// The external-reference table is not exposed by the high-level workbook
// API, so it is read straight from the OOXML package parts: workbook.xml
// lists external references in index order, the workbook rels map each to
// an externalLink part, and that part's rels carry the raw target path.

type xmlWorkbook struct {
	ExternalReferences struct {
		Refs []struct {
			ID string `xml:"id,attr"`
		} `xml:"externalReference"`
	} `xml:"externalReferences"`
}

type xmlRelationships struct {
	Rels []struct {
		ID     string `xml:"Id,attr"`
		Type   string `xml:"Type,attr"`
		Target string `xml:"Target,attr"`
	} `xml:"Relationship"`
}

// ExternalRefTable reads the workbook's external-reference table:
// formula index n → raw stored target path. Workbooks without external
// links return an empty map.
func ExternalRefTable(xlsxPath string) (map[int]string, error) {
	zr, err := zip.OpenReader(xlsxPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotAWorkbook, xlsxPath, err)
	}
	defer zr.Close()

	parts := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		parts[f.Name] = f
	}

	var wb xmlWorkbook
	if err := decodePart(parts, "xl/workbook.xml", &wb); err != nil {
		return nil, fmt.Errorf("%w: workbook.xml: %v", ErrCorruptPackage, err)
	}

	if len(wb.ExternalReferences.Refs) == 0 {
		return map[int]string{}, nil
	}

	var wbRels xmlRelationships
	if err := decodePart(parts, "xl/_rels/workbook.xml.rels", &wbRels); err != nil {
		return nil, fmt.Errorf("%w: workbook rels: %v", ErrCorruptPackage, err)
	}

	relTargets := make(map[string]string, len(wbRels.Rels))
	for _, r := range wbRels.Rels {
		relTargets[r.ID] = r.Target
	}

	table := make(map[int]string, len(wb.ExternalReferences.Refs))

	for i, ref := range wb.ExternalReferences.Refs {
		linkPart := relTargets[ref.ID]
		if linkPart == "" {
			continue
		}

		linkPart = path.Clean("xl/" + strings.TrimPrefix(linkPart, "/"))

		target, err := externalLinkTarget(parts, linkPart)
		if err != nil {
			return nil, err
		}

		if target != "" {
			// Formula indices into the table are 1-based.
			table[i+1] = target
		}
	}

	return table, nil
}

// externalLinkTarget resolves the raw target path of one externalLink part
// via its own rels file.
func externalLinkTarget(parts map[string]*zip.File, linkPart string) (string, error) {
	dir, base := path.Split(linkPart)
	relsPart := dir + "_rels/" + base + ".rels"

	var rels xmlRelationships
	if err := decodePart(parts, relsPart, &rels); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrCorruptPackage, relsPart, err)
	}

	for _, r := range rels.Rels {
		if strings.HasSuffix(r.Type, "/externalLinkPath") {
			return r.Target, nil
		}
	}

	return "", nil
}

func decodePart(parts map[string]*zip.File, name string, v any) error {
	f, ok := parts[name]
	if !ok {
		return fmt.Errorf("missing part %s", name)
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}

	return xml.Unmarshal(data, v)
}
