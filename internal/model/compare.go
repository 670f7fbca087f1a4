package model

import (
	"bytes"
	"encoding/base64"
	"math"
	"strconv"
	"strings"
)

// Compare returns the total order of two values: values of different types
// order by TypeOrder, values of the same type by their natural order. NaN
// sorts before every other number and equals itself.
func Compare(a, b Value) int {
	la, lb := TypeOrder(a), TypeOrder(b)
	if la != lb {
		return cmpInt(int64(la), int64(lb))
	}
	switch la {
	case TypeOrderNull, TypeOrderMax:
		return 0
	case TypeOrderBoolean:
		switch {
		case a.b == b.b:
			return 0
		case !a.b:
			return -1
		}
		return 1
	case TypeOrderNumber:
		return compareNumbers(a, b)
	case TypeOrderTimestamp:
		return a.ts.Compare(b.ts)
	case TypeOrderServerTimestamp:
		return ServerTimestampLocalWriteTime(a).Compare(ServerTimestampLocalWriteTime(b))
	case TypeOrderString:
		return strings.Compare(a.s, b.s)
	case TypeOrderBlob:
		return bytes.Compare(a.raw, b.raw)
	case TypeOrderReference:
		return compareReferences(a.s, b.s)
	case TypeOrderGeoPoint:
		if c := compareDoubles(a.geo.Latitude, b.geo.Latitude); c != 0 {
			return c
		}
		return compareDoubles(a.geo.Longitude, b.geo.Longitude)
	case TypeOrderArray:
		return compareArrays(a.arr, b.arr)
	case TypeOrderVector:
		av, bv := a.m[vectorValueKey].arr, b.m[vectorValueKey].arr
		if c := cmpInt(int64(len(av)), int64(len(bv))); c != 0 {
			return c
		}
		return compareArrays(av, bv)
	case TypeOrderObject:
		return compareMaps(a, b)
	}
	return 0
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareDoubles(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	case a == b:
		return 0
	}
	// At least one side is NaN.
	if math.IsNaN(a) {
		if math.IsNaN(b) {
			return 0
		}
		return -1
	}
	return 1
}

func compareNumbers(a, b Value) int {
	switch {
	case a.kind == KindInteger && b.kind == KindInteger:
		return cmpInt(a.i, b.i)
	case a.kind == KindDouble && b.kind == KindDouble:
		return compareDoubles(a.d, b.d)
	case a.kind == KindInteger:
		return compareIntDouble(a.i, b.d)
	}
	return -compareIntDouble(b.i, a.d)
}

// compareIntDouble compares without converting the integer to a double, so
// large integers keep their precision.
func compareIntDouble(i int64, d float64) int {
	if math.IsNaN(d) {
		return 1
	}
	if d < -9.223372036854775808e18 {
		return 1
	}
	if d >= 9.223372036854775808e18 {
		return -1
	}
	t := int64(d)
	if c := cmpInt(i, t); c != 0 {
		return c
	}
	frac := d - float64(t)
	switch {
	case frac > 0:
		return -1
	case frac < 0:
		return 1
	}
	return 0
}

func compareReferences(a, b string) int {
	as := strings.Split(a, "/")
	bs := strings.Split(b, "/")
	n := min(len(as), len(bs))
	for i := 0; i < n; i++ {
		if c := CompareSegments(as[i], bs[i]); c != 0 {
			return c
		}
	}
	return cmpInt(int64(len(as)), int64(len(bs)))
}

func compareArrays(a, b []Value) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return cmpInt(int64(len(a)), int64(len(b)))
}

func compareMaps(a, b Value) int {
	ak, bk := a.SortedMapKeys(), b.SortedMapKeys()
	n := min(len(ak), len(bk))
	for i := 0; i < n; i++ {
		if c := strings.Compare(ak[i], bk[i]); c != 0 {
			return c
		}
		if c := Compare(a.m[ak[i]], b.m[bk[i]]); c != 0 {
			return c
		}
	}
	return cmpInt(int64(len(ak)), int64(len(bk)))
}

// Equal reports value equality. Unlike Compare, an integer never equals a
// double, NaN equals NaN, and 0.0 does not equal -0.0.
func Equal(a, b Value) bool {
	la, lb := TypeOrder(a), TypeOrder(b)
	if la != lb {
		return false
	}
	switch la {
	case TypeOrderNull, TypeOrderMax:
		return true
	case TypeOrderBoolean:
		return a.b == b.b
	case TypeOrderNumber:
		return numberEquals(a, b)
	case TypeOrderTimestamp:
		return a.ts == b.ts
	case TypeOrderServerTimestamp:
		return ServerTimestampLocalWriteTime(a) == ServerTimestampLocalWriteTime(b)
	case TypeOrderString, TypeOrderReference:
		return a.s == b.s
	case TypeOrderBlob:
		return bytes.Equal(a.raw, b.raw)
	case TypeOrderGeoPoint:
		return a.geo == b.geo
	case TypeOrderArray:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !Equal(a.arr[i], b.arr[i]) {
				return false
			}
		}
		return true
	case TypeOrderVector, TypeOrderObject:
		if len(a.m) != len(b.m) {
			return false
		}
		for k, av := range a.m {
			bv, ok := b.m[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

func numberEquals(a, b Value) bool {
	switch {
	case a.kind == KindInteger && b.kind == KindInteger:
		return a.i == b.i
	case a.kind == KindDouble && b.kind == KindDouble:
		if a.d == b.d {
			return math.Signbit(a.d) == math.Signbit(b.d)
		}
		return math.IsNaN(a.d) && math.IsNaN(b.d)
	}
	return false
}

// CanonicalID renders v as a stable string used to identify queries and
// targets.
func CanonicalID(v Value) string {
	var sb strings.Builder
	writeCanonical(&sb, v)
	return sb.String()
}

func writeCanonical(sb *strings.Builder, v Value) {
	switch v.kind {
	case KindNull:
		sb.WriteString("null")
	case KindBoolean:
		sb.WriteString(strconv.FormatBool(v.b))
	case KindInteger:
		sb.WriteString(strconv.FormatInt(v.i, 10))
	case KindDouble:
		sb.WriteString(strconv.FormatFloat(v.d, 'g', -1, 64))
	case KindTimestamp:
		sb.WriteString("time(" + strconv.FormatInt(v.ts.Seconds, 10) + "," + strconv.Itoa(int(v.ts.Nanos)) + ")")
	case KindString:
		sb.WriteString(v.s)
	case KindBytes:
		sb.WriteString(base64.StdEncoding.EncodeToString(v.raw))
	case KindReference:
		if k, err := DocumentKeyFromName(v.s); err == nil {
			sb.WriteString(k.String())
		} else {
			sb.WriteString(v.s)
		}
	case KindGeoPoint:
		sb.WriteString("geo(" + strconv.FormatFloat(v.geo.Latitude, 'g', -1, 64) + "," +
			strconv.FormatFloat(v.geo.Longitude, 'g', -1, 64) + ")")
	case KindArray:
		sb.WriteByte('[')
		for i, e := range v.arr {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, e)
		}
		sb.WriteByte(']')
	case KindMap:
		sb.WriteByte('{')
		for i, k := range v.SortedMapKeys() {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(k)
			sb.WriteByte(':')
			writeCanonical(sb, v.m[k])
		}
		sb.WriteByte('}')
	}
}
