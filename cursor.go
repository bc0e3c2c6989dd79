package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

var errInvalidCursor = errors.New("invalid cursor")

// queryCursor resumes a query after the last revision returned for a family.
// Clients treat the encoded form as opaque.
type queryCursor struct {
	Family   string `json:"t"`
	Revision int64  `json:"r"`
}

func (c queryCursor) encode() string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeCursor(token string) (queryCursor, error) {
	var c queryCursor
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return c, fmt.Errorf("%w: %w", errInvalidCursor, err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("%w: %w", errInvalidCursor, err)
	}
	if c.Family == "" || c.Revision < 0 {
		return c, errInvalidCursor
	}
	return c, nil
}
