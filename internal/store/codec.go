package store

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-cli/internal/model"
)

func marshalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal")
	}
	return b, nil
}

func unmarshalJSON(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	return eris.Wrap(json.Unmarshal(b, v), "store: unmarshal")
}

// tableColumns holds the JSON-encoded columns of an extracted table.
type tableColumns struct {
	headers, rows, flags []byte
}

func encodeTable(t *model.ExtractedTable) (tableColumns, error) {
	var c tableColumns
	var err error
	if c.headers, err = marshalJSON(nonNil(t.Headers)); err != nil {
		return c, err
	}
	rows := t.Rows
	if rows == nil {
		rows = [][]string{}
	}
	if c.rows, err = marshalJSON(rows); err != nil {
		return c, err
	}
	c.flags, err = marshalJSON(nonNil(t.Flags))
	return c, err
}

func decodeTable(t *model.ExtractedTable, c tableColumns) error {
	if err := unmarshalJSON(c.headers, &t.Headers); err != nil {
		return err
	}
	if err := unmarshalJSON(c.rows, &t.Rows); err != nil {
		return err
	}
	if err := unmarshalJSON(c.flags, &t.Flags); err != nil {
		return err
	}
	if len(t.Flags) == 0 {
		t.Flags = nil
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
