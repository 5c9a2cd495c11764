package types

import "encoding/json"

func marshalJSONSlice[T any](s []T) ([]byte, error) {
	if s == nil {
		s = []T{}
	}
	return json.Marshal(s)
}

func unmarshalJSONSlice[T any](data []byte) ([]T, error) {
	var s []T
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return s, nil
}
