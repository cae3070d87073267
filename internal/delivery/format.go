package delivery

import (
	"bytes"
	"compress/gzip"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// Format is the serialisation applied to a TaskOutput before it is
// written to a destination (spec.md §4.8 Filesystem config).
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatCSV  Format = "csv"
	FormatXML  Format = "xml"
)

func validFormat(f Format) bool {
	switch f {
	case FormatJSON, FormatYAML, FormatCSV, FormatXML:
		return true
	default:
		return false
	}
}

// Compression is the optional post-serialisation compression applied
// before a Filesystem write.
type Compression string

const (
	CompressionNone Compression = ""
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

func validCompression(c Compression) bool {
	switch c {
	case CompressionNone, CompressionGzip, CompressionZstd:
		return true
	default:
		return false
	}
}

// encodeBody serialises output.OutputData per format. JSON and YAML
// round-trip the decoded document as-is; CSV expects a JSON object or
// array of objects and renders one row per object; XML wraps the
// decoded document under a <result> root, since encoding/xml cannot
// marshal an arbitrary map[string]any directly.
func encodeBody(format Format, output TaskOutput) ([]byte, error) {
	switch format {
	case FormatJSON:
		return json.MarshalIndent(json.RawMessage(output.OutputData), "", "  ")
	case FormatYAML:
		var v any
		if err := json.Unmarshal(output.OutputData, &v); err != nil {
			return nil, fmt.Errorf("decode output for yaml encoding: %w", err)
		}
		return yaml.Marshal(v)
	case FormatCSV:
		return encodeCSV(output.OutputData)
	case FormatXML:
		var v any
		if err := json.Unmarshal(output.OutputData, &v); err != nil {
			return nil, fmt.Errorf("decode output for xml encoding: %w", err)
		}
		var buf bytes.Buffer
		buf.WriteString(xml.Header)
		if err := writeXMLValue(&buf, "result", v); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

func encodeCSV(raw []byte) ([]byte, error) {
	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err != nil {
		var single map[string]any
		if err2 := json.Unmarshal(raw, &single); err2 != nil {
			return nil, fmt.Errorf("csv format requires a JSON object or array of objects: %w", err)
		}
		rows = []map[string]any{single}
	}
	if len(rows) == 0 {
		return []byte{}, nil
	}

	headers := make([]string, 0, len(rows[0]))
	for k := range rows[0] {
		headers = append(headers, k)
	}
	sort.Strings(headers)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(headers); err != nil {
		return nil, err
	}
	for _, row := range rows {
		record := make([]string, len(headers))
		for i, h := range headers {
			if v, ok := row[h]; ok {
				record[i] = fmt.Sprint(v)
			}
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func writeXMLValue(buf *bytes.Buffer, name string, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(buf, "<%s>", name)
		for _, k := range keys {
			if err := writeXMLValue(buf, k, val[k]); err != nil {
				return err
			}
		}
		fmt.Fprintf(buf, "</%s>", name)
	case []any:
		fmt.Fprintf(buf, "<%s>", name)
		for _, item := range val {
			if err := writeXMLValue(buf, "item", item); err != nil {
				return err
			}
		}
		fmt.Fprintf(buf, "</%s>", name)
	case nil:
		fmt.Fprintf(buf, "<%s/>", name)
	default:
		fmt.Fprintf(buf, "<%s>", name)
		xml.EscapeText(buf, []byte(fmt.Sprint(val)))
		fmt.Fprintf(buf, "</%s>", name)
	}
	return nil
}

// compressBody applies c to body. Zstd is named in spec.md §4.8 but no
// zstd library ships in the retrieval pack; it returns an explicit
// error rather than silently skipping compression.
func compressBody(c Compression, body []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return body, nil
	case CompressionGzip:
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(body); err != nil {
			return nil, err
		}
		if err := gw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		return nil, fmt.Errorf("zstd compression is not supported in this build")
	default:
		return nil, fmt.Errorf("unsupported compression %q", c)
	}
}
