package backup

import (
	"bufio"
	"encoding/json"
	"io"
)

// NDJSONWriter writes one JSON document per line.
type NDJSONWriter struct {
	w     *bufio.Writer
	count int
}

func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	return &NDJSONWriter{w: bufio.NewWriter(w)}
}

func (n *NDJSONWriter) WriteResource(resource interface{}) error {
	data, err := json.Marshal(resource)
	if err != nil {
		return err
	}
	if _, err := n.w.Write(data); err != nil {
		return err
	}
	if err := n.w.WriteByte('\n'); err != nil {
		return err
	}
	n.count++
	return nil
}

// Count reports how many resources have been written.
func (n *NDJSONWriter) Count() int {
	return n.count
}

func (n *NDJSONWriter) Flush() error {
	return n.w.Flush()
}
