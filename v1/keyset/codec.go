package keyset

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
)

// Codec encodes the key list stored in a contribution node.
type Codec interface {
	Marshal(keys []string) ([]byte, error)
	Unmarshal(data []byte) ([]string, error)
}

// JSONCodec stores contributions as a JSON array of strings.
type JSONCodec struct{}

func (JSONCodec) Marshal(keys []string) ([]byte, error) {
	if keys == nil {
		keys = []string{}
	}
	return json.Marshal(keys)
}

func (JSONCodec) Unmarshal(data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// GobCodec stores contributions with encoding/gob.
type GobCodec struct{}

func (GobCodec) Marshal(keys []string) ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(keys); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (GobCodec) Unmarshal(data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var keys []string
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&keys); err != nil {
		return nil, err
	}
	return keys, nil
}
