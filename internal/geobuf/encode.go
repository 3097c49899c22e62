// Package geobuf encodes GeoJSON documents into the compact geobuf v3
// protobuf format.
//
// Coordinates are stored as zigzag varints scaled by 10^precision, where the
// precision is the largest number of decimal digits found in the input (capped
// at 6). Lines are delta-encoded and polygon rings drop their closing point.
// Property keys share one table at the top of the message. Object keys are
// visited in sorted order, so equal documents always encode to equal bytes.
package geobuf

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrInvalidGeoJSON is returned for input that is not a GeoJSON object.
var ErrInvalidGeoJSON = errors.New("geobuf: invalid GeoJSON")

const maxPrecision = 1e6

// Field numbers of geobuf.proto.
const (
	dataKeys              protowire.Number = 1
	dataDimensions        protowire.Number = 2
	dataPrecision         protowire.Number = 3
	dataFeatureCollection protowire.Number = 4
	dataFeature           protowire.Number = 5
	dataGeometry          protowire.Number = 6

	featureGeometry protowire.Number = 1
	featureID       protowire.Number = 11
	featureIntID    protowire.Number = 12

	collectionFeatures protowire.Number = 1

	geometryType       protowire.Number = 1
	geometryLengths    protowire.Number = 2
	geometryCoords     protowire.Number = 3
	geometryGeometries protowire.Number = 4

	values           protowire.Number = 13
	properties       protowire.Number = 14
	customProperties protowire.Number = 15

	valueString protowire.Number = 1
	valueDouble protowire.Number = 2
	valuePosInt protowire.Number = 3
	valueNegInt protowire.Number = 4
	valueBool   protowire.Number = 5
	valueJSON   protowire.Number = 6
)

var geometryTypes = map[string]uint64{
	"Point":              0,
	"MultiPoint":         1,
	"LineString":         2,
	"MultiLineString":    3,
	"Polygon":            4,
	"MultiPolygon":       5,
	"GeometryCollection": 6,
}

var codec = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

type object = map[string]any

// Encode converts a GeoJSON FeatureCollection, Feature or Geometry to geobuf.
func Encode(doc []byte) ([]byte, error) {
	var obj object
	if err := codec.Unmarshal(doc, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGeoJSON, err)
	}
	return EncodeObject(obj)
}

// EncodeObject converts an already decoded GeoJSON object. Numbers may be
// float64 or json.Number.
func EncodeObject(obj map[string]any) ([]byte, error) {
	enc := &encoder{keys: make(map[string]int), e: 1}
	if err := enc.analyze(obj); err != nil {
		return nil, err
	}
	if enc.dim == 0 {
		enc.dim = 2
	}
	enc.e = math.Min(enc.e, maxPrecision)
	precision := uint64(0)
	for p := 1.0; p < enc.e; p *= 10 {
		precision++
	}

	var b []byte
	for _, k := range enc.keyList {
		b = protowire.AppendTag(b, dataKeys, protowire.BytesType)
		b = protowire.AppendString(b, k)
	}
	if enc.dim != 2 {
		b = appendVarintField(b, dataDimensions, uint64(enc.dim))
	}
	if precision != 6 {
		b = appendVarintField(b, dataPrecision, precision)
	}

	var (
		msg []byte
		num protowire.Number
		err error
	)
	switch typeOf(obj) {
	case "FeatureCollection":
		num = dataFeatureCollection
		msg, err = enc.featureCollection(obj)
	case "Feature":
		num = dataFeature
		msg, err = enc.feature(obj)
	default:
		num = dataGeometry
		msg, err = enc.geometry(obj)
	}
	if err != nil {
		return nil, err
	}
	return appendMessage(b, num, msg), nil
}

type encoder struct {
	keys    map[string]int
	keyList []string
	dim     int
	e       float64
}

func (enc *encoder) saveKey(k string) {
	if _, ok := enc.keys[k]; ok {
		return
	}
	enc.keys[k] = len(enc.keyList)
	enc.keyList = append(enc.keyList, k)
}

func (enc *encoder) analyze(obj object) error {
	typ := typeOf(obj)
	switch typ {
	case "FeatureCollection":
		features, ok := obj["features"].([]any)
		if !ok {
			return fmt.Errorf("%w: features must be an array", ErrInvalidGeoJSON)
		}
		for _, f := range features {
			fo, ok := f.(object)
			if !ok {
				return fmt.Errorf("%w: feature must be an object", ErrInvalidGeoJSON)
			}
			if err := enc.analyze(fo); err != nil {
				return err
			}
		}
	case "Feature":
		if g, ok := obj["geometry"].(object); ok {
			if err := enc.analyze(g); err != nil {
				return err
			}
		}
		if props, ok := obj["properties"].(object); ok {
			for _, k := range sortedKeys(props) {
				enc.saveKey(k)
			}
		}
	case "GeometryCollection":
		geoms, ok := obj["geometries"].([]any)
		if !ok {
			return fmt.Errorf("%w: geometries must be an array", ErrInvalidGeoJSON)
		}
		for _, g := range geoms {
			gobj, ok := g.(object)
			if !ok {
				return fmt.Errorf("%w: geometry must be an object", ErrInvalidGeoJSON)
			}
			if err := enc.analyze(gobj); err != nil {
				return err
			}
		}
	default:
		if _, ok := geometryTypes[typ]; !ok {
			return fmt.Errorf("%w: unknown type %q", ErrInvalidGeoJSON, typ)
		}
		if err := enc.analyzeCoords(obj["coordinates"]); err != nil {
			return err
		}
	}

	for _, k := range sortedKeys(obj) {
		if !isSpecialKey(k, typ) {
			enc.saveKey(k)
		}
	}
	return nil
}

// analyzeCoords walks nested coordinate arrays of any depth and records the
// dimension and decimal precision of every position.
func (enc *encoder) analyzeCoords(v any) error {
	arr, ok := v.([]any)
	if !ok {
		return fmt.Errorf("%w: coordinates must be an array", ErrInvalidGeoJSON)
	}
	if len(arr) > 0 {
		if _, nested := arr[0].([]any); nested {
			for _, a := range arr {
				if err := enc.analyzeCoords(a); err != nil {
					return err
				}
			}
			return nil
		}
	}

	point, err := toPoint(arr)
	if err != nil {
		return err
	}
	enc.dim = max(enc.dim, len(point))
	for _, x := range point {
		for round(x*enc.e)/enc.e != x && enc.e < maxPrecision {
			enc.e *= 10
		}
	}
	return nil
}

func (enc *encoder) featureCollection(obj object) ([]byte, error) {
	var b []byte
	features, _ := obj["features"].([]any)
	for _, f := range features {
		msg, err := enc.feature(f.(object))
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, collectionFeatures, msg)
	}
	return enc.props(b, obj, true)
}

func (enc *encoder) feature(obj object) ([]byte, error) {
	var b []byte
	if g, ok := obj["geometry"].(object); ok {
		msg, err := enc.geometry(g)
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, featureGeometry, msg)
	}

	if id, ok := obj["id"]; ok && id != nil {
		if n, isInt := integer(id); isInt {
			b = protowire.AppendTag(b, featureIntID, protowire.VarintType)
			b = protowire.AppendVarint(b, protowire.EncodeZigZag(n))
		} else {
			b = protowire.AppendTag(b, featureID, protowire.BytesType)
			b = protowire.AppendString(b, scalarString(id))
		}
	}

	if props, ok := obj["properties"].(object); ok {
		var err error
		if b, err = enc.props(b, props, false); err != nil {
			return nil, err
		}
	}
	return enc.props(b, obj, true)
}

func (enc *encoder) geometry(obj object) ([]byte, error) {
	typ := typeOf(obj)
	code, ok := geometryTypes[typ]
	if !ok {
		return nil, fmt.Errorf("%w: unknown geometry type %q", ErrInvalidGeoJSON, typ)
	}
	b := appendVarintField(nil, geometryType, code)

	coords := obj["coordinates"]
	var err error
	switch typ {
	case "Point":
		b, err = enc.point(b, coords)
	case "MultiPoint", "LineString":
		b, err = enc.line(b, coords)
	case "MultiLineString":
		b, err = enc.multiLine(b, coords, false)
	case "Polygon":
		b, err = enc.multiLine(b, coords, true)
	case "MultiPolygon":
		b, err = enc.multiPolygon(b, coords)
	case "GeometryCollection":
		geoms, _ := obj["geometries"].([]any)
		for _, g := range geoms {
			msg, gerr := enc.geometry(g.(object))
			if gerr != nil {
				return nil, gerr
			}
			b = appendMessage(b, geometryGeometries, msg)
		}
	}
	if err != nil {
		return nil, err
	}
	return enc.props(b, obj, true)
}

func (enc *encoder) point(b []byte, v any) ([]byte, error) {
	arr, _ := v.([]any)
	p, err := toPoint(arr)
	if err != nil {
		return nil, err
	}
	coords := make([]int64, 0, enc.dim)
	for i := 0; i < enc.dim; i++ {
		coords = append(coords, int64(round(at(p, i)*enc.e)))
	}
	return appendPackedSint(b, geometryCoords, coords), nil
}

func (enc *encoder) line(b []byte, v any) ([]byte, error) {
	line, err := toLine(v)
	if err != nil {
		return nil, err
	}
	return appendPackedSint(b, geometryCoords, enc.deltas(nil, line, false)), nil
}

func (enc *encoder) multiLine(b []byte, v any, closed bool) ([]byte, error) {
	lines, err := toLines(v)
	if err != nil {
		return nil, err
	}
	if len(lines) != 1 {
		lengths := make([]uint64, 0, len(lines))
		for _, l := range lines {
			lengths = append(lengths, uint64(ringLen(l, closed)))
		}
		b = appendPackedVarint(b, geometryLengths, lengths)
	}
	var coords []int64
	for _, l := range lines {
		coords = enc.deltas(coords, l, closed)
	}
	return appendPackedSint(b, geometryCoords, coords), nil
}

func (enc *encoder) multiPolygon(b []byte, v any) ([]byte, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: coordinates must be an array", ErrInvalidGeoJSON)
	}
	polygons := make([][][][]float64, 0, len(arr))
	for _, p := range arr {
		rings, err := toLines(p)
		if err != nil {
			return nil, err
		}
		polygons = append(polygons, rings)
	}

	if len(polygons) != 1 || len(polygons[0]) != 1 {
		lengths := []uint64{uint64(len(polygons))}
		for _, rings := range polygons {
			lengths = append(lengths, uint64(len(rings)))
			for _, r := range rings {
				lengths = append(lengths, uint64(ringLen(r, true)))
			}
		}
		b = appendPackedVarint(b, geometryLengths, lengths)
	}

	var coords []int64
	for _, rings := range polygons {
		for _, r := range rings {
			coords = enc.deltas(coords, r, true)
		}
	}
	return appendPackedSint(b, geometryCoords, coords), nil
}

// deltas appends the delta-encoded, scaled positions of line to coords.
func (enc *encoder) deltas(coords []int64, line [][]float64, closed bool) []int64 {
	sum := make([]int64, enc.dim)
	for _, p := range line[:ringLen(line, closed)] {
		for j := 0; j < enc.dim; j++ {
			n := int64(round(at(p, j)*enc.e)) - sum[j]
			coords = append(coords, n)
			sum[j] += n
		}
	}
	return coords
}

// props appends the values of obj plus the packed key/value index pairs.
// When custom is set, GeoJSON structural keys are skipped and the indexes
// go to the custom_properties field.
func (enc *encoder) props(b []byte, obj object, custom bool) ([]byte, error) {
	typ := typeOf(obj)
	var indexes []uint64
	valueIndex := uint64(0)
	for _, k := range sortedKeys(obj) {
		if custom && isSpecialKey(k, typ) {
			continue
		}
		msg, err := value(obj[k])
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, values, msg)
		indexes = append(indexes, uint64(enc.keys[k]), valueIndex)
		valueIndex++
	}

	field := properties
	if custom {
		field = customProperties
	}
	return appendPackedVarint(b, field, indexes), nil
}

func value(v any) ([]byte, error) {
	var b []byte
	switch x := v.(type) {
	case nil:
		return b, nil
	case string:
		b = protowire.AppendTag(b, valueString, protowire.BytesType)
		return protowire.AppendString(b, x), nil
	case bool:
		b = protowire.AppendTag(b, valueBool, protowire.VarintType)
		return protowire.AppendVarint(b, protowire.EncodeBool(x)), nil
	case json.Number, float64:
		if n, ok := integer(x); ok {
			if n >= 0 {
				return appendVarintField(b, valuePosInt, uint64(n)), nil
			}
			return appendVarintField(b, valueNegInt, uint64(-n)), nil
		}
		f, err := toFloat(x)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, valueDouble, protowire.Fixed64Type)
		return protowire.AppendFixed64(b, math.Float64bits(f)), nil
	default:
		raw, err := codec.Marshal(x)
		if err != nil {
			return nil, fmt.Errorf("geobuf: encode property: %w", err)
		}
		b = protowire.AppendTag(b, valueJSON, protowire.BytesType)
		return protowire.AppendBytes(b, raw), nil
	}
}

func isSpecialKey(k, typ string) bool {
	if k == "type" {
		return true
	}
	switch typ {
	case "FeatureCollection":
		return k == "features"
	case "Feature":
		return k == "id" || k == "properties" || k == "geometry"
	case "GeometryCollection":
		return k == "geometries"
	default:
		return k == "coordinates"
	}
}

func typeOf(obj object) string {
	s, _ := obj["type"].(string)
	return s
}

func sortedKeys(obj object) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// round matches JavaScript's Math.round (halves round towards +Inf).
func round(x float64) float64 {
	return math.Floor(x + 0.5)
}

func at(p []float64, i int) float64 {
	if i < len(p) {
		return p[i]
	}
	return 0
}

func ringLen(line [][]float64, closed bool) int {
	if closed && len(line) > 0 {
		return len(line) - 1
	}
	return len(line)
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: bad number %q", ErrInvalidGeoJSON, x)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: expected number, got %T", ErrInvalidGeoJSON, v)
	}
}

// integer reports whether v is a whole number that fits in an int64.
func integer(v any) (int64, bool) {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, true
		}
		f, err := x.Float64()
		if err != nil {
			return 0, false
		}
		return integer(f)
	case float64:
		if x != math.Trunc(x) || math.Abs(x) >= 1<<63 {
			return 0, false
		}
		return int64(x), true
	default:
		return 0, false
	}
}

func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

func toPoint(arr []any) ([]float64, error) {
	p := make([]float64, 0, len(arr))
	for _, n := range arr {
		f, err := toFloat(n)
		if err != nil {
			return nil, err
		}
		p = append(p, f)
	}
	return p, nil
}

func toLine(v any) ([][]float64, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: coordinates must be an array", ErrInvalidGeoJSON)
	}
	line := make([][]float64, 0, len(arr))
	for _, pv := range arr {
		pa, ok := pv.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: position must be an array", ErrInvalidGeoJSON)
		}
		p, err := toPoint(pa)
		if err != nil {
			return nil, err
		}
		line = append(line, p)
	}
	return line, nil
}

func toLines(v any) ([][][]float64, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: coordinates must be an array", ErrInvalidGeoJSON)
	}
	lines := make([][][]float64, 0, len(arr))
	for _, l := range arr {
		line, err := toLine(l)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendPackedVarint(b []byte, num protowire.Number, vals []uint64) []byte {
	if len(vals) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vals {
		packed = protowire.AppendVarint(packed, v)
	}
	return appendMessage(b, num, packed)
}

func appendPackedSint(b []byte, num protowire.Number, vals []int64) []byte {
	if len(vals) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vals {
		packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(v))
	}
	return appendMessage(b, num, packed)
}
