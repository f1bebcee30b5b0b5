package tlv

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/moov-io/bertlv"
)

var tlvSliceType = reflect.TypeOf([]bertlv.TLV{})

// Fields lists the populated byte fields of a decoded template, one report
// line each. Fields carrying a `tlv` tag show it next to their name; the
// `fmt` tag selects an ASCII or integer rendering besides the hex dump.
// Unmatched tags kept in a []bertlv.TLV field are listed one per line.
func Fields(prefix string, template any) []string {
	v := reflect.ValueOf(template)
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}

	var lines []string
	for _, f := range reflect.VisibleFields(v.Type()) {
		if f.Anonymous || !f.IsExported() {
			continue
		}
		fv := v.FieldByIndex(f.Index)
		switch {
		case fv.Type() == tlvSliceType:
			for _, t := range fv.Interface().([]bertlv.TLV) {
				lines = append(lines, fmt.Sprintf("    - %s.Unknown Tag %s: %X", prefix, t.Tag, t.Value))
			}
		case fv.Kind() == reflect.Slice && fv.Type().Elem().Kind() == reflect.Uint8:
			if fv.Len() == 0 {
				continue
			}
			name := f.Name
			if tag := f.Tag.Get("tlv"); tag != "" {
				name += " (" + tag + ")"
			}
			lines = append(lines, fmt.Sprintf("    - %s.%s: %s", prefix, name, render(fv.Bytes(), f.Tag.Get("fmt"))))
		}
	}
	return lines
}

// WriteStructFields appends the Fields of template to sb, separated from
// earlier content by a newline. No trailing newline is written.
func WriteStructFields(sb *strings.Builder, prefix string, template any) {
	lines := Fields(prefix, template)
	if len(lines) == 0 {
		return
	}
	if sb.Len() > 0 {
		sb.WriteByte('\n')
	}
	sb.WriteString(strings.Join(lines, "\n"))
}

func render(data []byte, format string) string {
	switch format {
	case "ascii":
		return fmt.Sprintf("%X (%q)", data, MakeSafeASCII(data))
	case "int":
		n := 0
		for _, b := range data {
			n = n<<8 | int(b)
		}
		return fmt.Sprintf("%X (Dec: %d)", data, n)
	}
	return fmt.Sprintf("%X", data)
}

// MakeSafeASCII replaces non-printable bytes with dots.
func MakeSafeASCII(data []byte) string {
	out := make([]byte, len(data))
	for i, b := range data {
		if b < 0x20 || b > 0x7E {
			b = '.'
		}
		out[i] = b
	}
	return string(out)
}
