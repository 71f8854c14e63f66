package feed

import (
	"fmt"
	"io"

	"github.com/linkedin/goavro/v2"

	"metasdb/pkg/sdb"
)

// Schema is the Avro record written for every change.
const Schema = `{
	"type": "record",
	"name": "Change",
	"namespace": "metasdb.feed",
	"fields": [
		{"name": "table", "type": "string"},
		{"name": "op", "type": {"type": "enum", "name": "Op", "symbols": ["insert", "delete", "update"]}},
		{"name": "id", "type": "long"},
		{"name": "version", "type": "long"},
		{"name": "payload", "type": "bytes"}
	]
}`

var codec *goavro.Codec

func init() {
	var err error
	if codec, err = goavro.NewCodec(Schema); err != nil {
		panic(fmt.Sprintf("feed: bad avro schema: %v", err))
	}
}

// WriteAvro writes changes to w as a snappy compressed Avro object container file.
func WriteAvro(w io.Writer, changes []sdb.Change) error {
	ocf, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:               w,
		Codec:           codec,
		CompressionName: goavro.CompressionSnappyLabel,
	})
	if err != nil {
		return fmt.Errorf("avro writer: %w", err)
	}
	if len(changes) == 0 {
		return nil
	}

	batch := make([]any, 0, len(changes))
	for _, c := range changes {
		batch = append(batch, map[string]any{
			"table":   c.Table,
			"op":      c.Op.String(),
			"id":      c.ID,
			"version": int64(c.Version),
			"payload": c.Payload,
		})
	}
	if err := ocf.Append(batch); err != nil {
		return fmt.Errorf("avro append: %w", err)
	}
	return nil
}

// ReadAvro reads back a container written by WriteAvro.
func ReadAvro(r io.Reader) ([]sdb.Change, error) {
	ocf, err := goavro.NewOCFReader(r)
	if err != nil {
		return nil, fmt.Errorf("avro reader: %w", err)
	}

	var out []sdb.Change
	for ocf.Scan() {
		datum, err := ocf.Read()
		if err != nil {
			return nil, fmt.Errorf("avro read: %w", err)
		}
		c, err := fromNative(datum)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := ocf.Err(); err != nil {
		return nil, fmt.Errorf("avro scan: %w", err)
	}
	return out, nil
}

func fromNative(datum any) (sdb.Change, error) {
	m, ok := datum.(map[string]any)
	if !ok {
		return sdb.Change{}, fmt.Errorf("avro datum is %T", datum)
	}

	table, _ := m["table"].(string)
	opName, _ := m["op"].(string)
	id, _ := m["id"].(int64)
	version, _ := m["version"].(int64)
	payload, _ := m["payload"].([]byte)

	op, err := sdb.ParseOp(opName)
	if err != nil {
		return sdb.Change{}, err
	}
	return sdb.Change{
		Table:   table,
		Op:      op,
		ID:      id,
		Version: uint64(version),
		Payload: payload,
	}, nil
}
