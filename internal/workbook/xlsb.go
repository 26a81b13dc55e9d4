package workbook

import (
	"archive/zip"
	"bufio"
	"encoding/binary"
	"encoding/xml"
	"io"
	"math"
	"path"
	"strings"
	"unicode/utf16"

	"github.com/rotisserie/eris"
)

// BIFF12 record types used by the reader.
const (
	recRowHdr      = 0x00
	recCellBlank   = 0x01
	recCellRk      = 0x02
	recCellError   = 0x03
	recCellBool    = 0x04
	recCellReal    = 0x05
	recCellSt      = 0x06
	recCellIsst    = 0x07
	recFmlaString  = 0x08
	recFmlaNum     = 0x09
	recFmlaBool    = 0x0A
	recFmlaError   = 0x0B
	recSSTItem     = 0x13
	recFmt         = 0x2C
	recXF          = 0x2F
	recCellRString = 0x3E
	recEndSheetDat = 0x92
	recWbProp      = 0x99
	recBundleSh    = 0x9C
	recBeginCellXF = 0x269
	recEndCellXF   = 0x26A
)

var errorCodes = map[byte]string{
	0x00: "#NULL!",
	0x07: "#DIV/0!",
	0x0F: "#VALUE!",
	0x17: "#REF!",
	0x1D: "#NAME?",
	0x24: "#NUM!",
	0x2A: "#N/A",
	0x2B: "#GETTING_DATA",
}

type xlsbSheetRef struct {
	name string
	part string
}

type xlsbBook struct {
	zr       *zip.ReadCloser
	parts    map[string]*zip.File
	refs     []xlsbSheetRef
	sst      []string
	dateXF   []bool
	date1904 bool
	loaded   map[string]*xlsbSheet
}

func openXLSB(name string) (*xlsbBook, error) {
	zr, err := zip.OpenReader(name)
	if err != nil {
		return nil, eris.Wrap(err, "xlsb: open archive")
	}
	b := &xlsbBook{
		zr:     zr,
		parts:  make(map[string]*zip.File, len(zr.File)),
		loaded: make(map[string]*xlsbSheet),
	}
	for _, f := range zr.File {
		b.parts[strings.TrimPrefix(f.Name, "/")] = f
	}
	if err := b.init(); err != nil {
		zr.Close() //nolint:errcheck
		return nil, err
	}
	return b, nil
}

func (b *xlsbBook) init() error {
	rels, err := b.readRels("xl/_rels/workbook.bin.rels")
	if err != nil {
		return err
	}

	type bundle struct{ relID, name string }
	var bundles []bundle
	err = b.eachRecord("xl/workbook.bin", func(typ int, c *cursor) bool {
		switch typ {
		case recWbProp:
			b.date1904 = c.u32()&0x1 != 0
		case recBundleSh:
			c.u32() // hsState
			c.u32() // iTabID
			rel, _ := c.wideString()
			nm, _ := c.wideString()
			if !c.bad {
				bundles = append(bundles, bundle{relID: rel, name: nm})
			}
		}
		return true
	})
	if err != nil {
		return err
	}
	if len(bundles) == 0 {
		return eris.New("xlsb: workbook has no sheets")
	}
	for _, bd := range bundles {
		target, ok := rels.byID[bd.relID]
		if !ok {
			continue
		}
		b.refs = append(b.refs, xlsbSheetRef{name: bd.name, part: target})
	}

	if p := rels.byType("sharedStrings"); p != "" {
		if err := b.loadStrings(p); err != nil {
			return err
		}
	}
	if p := rels.byType("styles"); p != "" {
		if err := b.loadStyles(p); err != nil {
			return err
		}
	}
	return nil
}

func (b *xlsbBook) loadStrings(part string) error {
	return b.eachRecord(part, func(typ int, c *cursor) bool {
		if typ == recSSTItem {
			c.u8() // flags
			s, _ := c.wideString()
			b.sst = append(b.sst, s)
		}
		return true
	})
}

func (b *xlsbBook) loadStyles(part string) error {
	codes := make(map[int]string)
	inCellXF := false
	return b.eachRecord(part, func(typ int, c *cursor) bool {
		switch typ {
		case recFmt:
			id := int(c.u16())
			code, _ := c.wideString()
			codes[id] = code
		case recBeginCellXF:
			inCellXF = true
		case recEndCellXF:
			inCellXF = false
		case recXF:
			if inCellXF {
				c.u16() // ixfeParent
				id := int(c.u16())
				b.dateXF = append(b.dateXF, isDateFormat(id, codes[id]))
			}
		}
		return true
	})
}

func (b *xlsbBook) SheetNames() []string {
	names := make([]string, 0, len(b.refs))
	for _, r := range b.refs {
		names = append(names, r.name)
	}
	return names
}

func (b *xlsbBook) Sheet(name string) (Sheet, bool) {
	if s, ok := b.loaded[name]; ok {
		return s, true
	}
	for _, r := range b.refs {
		if r.name != name {
			continue
		}
		s, err := b.loadSheet(r)
		if err != nil {
			return nil, false
		}
		b.loaded[name] = s
		return s, true
	}
	return nil, false
}

func (b *xlsbBook) Close() error {
	return b.zr.Close()
}

func (b *xlsbBook) loadSheet(ref xlsbSheetRef) (*xlsbSheet, error) {
	s := &xlsbSheet{name: ref.name, cells: make(map[[2]int]Cell)}
	row := 0
	err := b.eachRecord(ref.part, func(typ int, c *cursor) bool {
		if typ == recRowHdr {
			row = int(c.u32()) + 1
			return true
		}
		if typ == recEndSheetDat {
			return false
		}
		if typ > recFmlaError && typ != recCellRString {
			return true
		}
		col := int(c.u32()) + 1
		style := int(c.u32() & 0xFFFFFF)
		cell, ok := b.readCell(typ, c)
		if !ok || c.bad {
			return true
		}
		if cell.Kind == Number && style < len(b.dateXF) && b.dateXF[style] {
			cell = Cell{Kind: Date, Number: cell.Number, Time: TimeFromSerial(cell.Number, b.date1904)}
		}
		s.put(row, col, cell)
		return true
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (b *xlsbBook) readCell(typ int, c *cursor) (Cell, bool) {
	switch typ {
	case recCellBlank:
		return Cell{}, false
	case recCellRk:
		return Cell{Kind: Number, Number: decodeRK(c.u32())}, true
	case recCellReal, recFmlaNum:
		return Cell{Kind: Number, Number: c.f64()}, true
	case recCellBool, recFmlaBool:
		return Cell{Kind: Bool, Bool: c.u8() != 0}, true
	case recCellError, recFmlaError:
		code := c.u8()
		text, ok := errorCodes[code]
		if !ok {
			text = "#ERR"
		}
		return Cell{Kind: Error, Text: text}, true
	case recCellSt, recFmlaString:
		s, _ := c.wideString()
		return stringCell(s), true
	case recCellRString:
		c.u8() // fRichStr
		s, _ := c.wideString()
		return stringCell(s), true
	case recCellIsst:
		idx := int(c.u32())
		if idx < 0 || idx >= len(b.sst) {
			return Cell{}, false
		}
		return stringCell(b.sst[idx]), true
	}
	return Cell{}, false
}

func stringCell(s string) Cell {
	if s == "" {
		return Cell{}
	}
	return Cell{Kind: String, Text: s}
}

// decodeRK expands a BIFF RK number.
func decodeRK(v uint32) float64 {
	var f float64
	if v&0x2 != 0 {
		f = float64(int32(v) >> 2)
	} else {
		f = math.Float64frombits(uint64(v&0xFFFFFFFC) << 32)
	}
	if v&0x1 != 0 {
		f /= 100
	}
	return f
}

// eachRecord streams the records of a binary part to fn until fn returns
// false or the part ends.
func (b *xlsbBook) eachRecord(part string, fn func(typ int, c *cursor) bool) error {
	f, ok := b.parts[part]
	if !ok {
		return eris.Errorf("xlsb: missing part %s", part)
	}
	rc, err := f.Open()
	if err != nil {
		return eris.Wrapf(err, "xlsb: open part %s", part)
	}
	defer rc.Close() //nolint:errcheck

	r := bufio.NewReader(rc)
	var buf []byte
	for {
		typ, err := readVarint(r, 2)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return eris.Wrapf(err, "xlsb: read record type in %s", part)
		}
		size, err := readVarint(r, 4)
		if err != nil {
			return eris.Wrapf(err, "xlsb: read record size in %s", part)
		}
		if cap(buf) < size {
			buf = make([]byte, size)
		}
		buf = buf[:size]
		if _, err := io.ReadFull(r, buf); err != nil {
			return eris.Wrapf(err, "xlsb: read record body in %s", part)
		}
		if !fn(typ, &cursor{b: buf}) {
			return nil
		}
	}
}

func readVarint(r io.ByteReader, maxBytes int) (int, error) {
	v := 0
	for i := 0; i < maxBytes; i++ {
		by, err := r.ReadByte()
		if err != nil {
			if i > 0 && err == io.EOF {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, err
		}
		v |= int(by&0x7F) << (7 * i)
		if by&0x80 == 0 {
			break
		}
	}
	return v, nil
}

// cursor reads little-endian fields from a record body. Short reads set
// bad and yield zero values.
type cursor struct {
	b   []byte
	off int
	bad bool
}

func (c *cursor) take(n int) []byte {
	if c.bad || c.off+n > len(c.b) || n < 0 {
		c.bad = true
		return nil
	}
	p := c.b[c.off : c.off+n]
	c.off += n
	return p
}

func (c *cursor) u8() byte {
	p := c.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (c *cursor) u16() uint16 {
	p := c.take(2)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(p)
}

func (c *cursor) u32() uint32 {
	p := c.take(4)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(p)
}

func (c *cursor) f64() float64 {
	p := c.take(8)
	if p == nil {
		return 0
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(p))
}

// wideString reads an XLWideString. ok is false for the null string.
func (c *cursor) wideString() (string, bool) {
	n := c.u32()
	if n == 0xFFFFFFFF {
		return "", false
	}
	p := c.take(int(n) * 2)
	if p == nil {
		return "", false
	}
	units := make([]uint16, n)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(p[i*2:])
	}
	return string(utf16.Decode(units)), true
}

type xlsbSheet struct {
	name   string
	cells  map[[2]int]Cell
	maxRow int
	maxCol int
}

func (s *xlsbSheet) put(row, col int, c Cell) {
	s.cells[[2]int{row, col}] = c
	if row > s.maxRow {
		s.maxRow = row
	}
	if col > s.maxCol {
		s.maxCol = col
	}
}

func (s *xlsbSheet) Name() string { return s.name }

func (s *xlsbSheet) Cell(row, col int) Cell {
	return s.cells[[2]int{row, col}]
}

func (s *xlsbSheet) rows() [][]string {
	out := make([][]string, s.maxRow)
	for r := 1; r <= s.maxRow; r++ {
		cells := make([]string, s.maxCol)
		for c := 1; c <= s.maxCol; c++ {
			cells[c-1] = s.cells[[2]int{r, c}].Raw()
		}
		out[r-1] = cells
	}
	return out
}

type relationships struct {
	byID   map[string]string
	byKind map[string]string
}

func (r relationships) byType(suffix string) string {
	return r.byKind[suffix]
}

func (b *xlsbBook) readRels(part string) (relationships, error) {
	rels := relationships{byID: map[string]string{}, byKind: map[string]string{}}
	f, ok := b.parts[part]
	if !ok {
		return rels, eris.Errorf("xlsb: missing part %s", part)
	}
	rc, err := f.Open()
	if err != nil {
		return rels, eris.Wrapf(err, "xlsb: open part %s", part)
	}
	defer rc.Close() //nolint:errcheck

	var doc struct {
		Items []struct {
			ID     string `xml:"Id,attr"`
			Type   string `xml:"Type,attr"`
			Target string `xml:"Target,attr"`
		} `xml:"Relationship"`
	}
	if err := xml.NewDecoder(rc).Decode(&doc); err != nil {
		return rels, eris.Wrap(err, "xlsb: decode relationships")
	}
	for _, it := range doc.Items {
		target := it.Target
		if strings.HasPrefix(target, "/") {
			target = strings.TrimPrefix(target, "/")
		} else {
			target = path.Join("xl", target)
		}
		rels.byID[it.ID] = target
		rels.byKind[path.Base(it.Type)] = target
	}
	return rels, nil
}
