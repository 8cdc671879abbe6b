package pagination

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 250
)

type Pagination struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size,default=20"`
}

// Limit clamps the requested page size.
func (p Pagination) Limit() int {
	switch {
	case p.PageSize <= 0:
		return DefaultPageSize
	case p.PageSize > MaxPageSize:
		return MaxPageSize
	default:
		return p.PageSize
	}
}

type Cursor struct {
	ID string `json:"id,omitempty"`
}

type PageInfo struct {
	NextPageToken string `json:"next_page_token,omitempty"`
	HasMore       bool   `json:"has_more"`
}

func EncodeCursor(data Cursor) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func DecodeCursor(data string) (*Cursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}

	var cursor Cursor
	if err := json.Unmarshal(b, &cursor); err != nil {
		return nil, err
	}
	return &cursor, nil
}

// AfterID decodes a page token into the keyset id to continue from. An empty
// token starts at the beginning.
func AfterID(token string) (int64, error) {
	if token == "" {
		return 0, nil
	}
	cursor, err := DecodeCursor(token)
	if err != nil {
		return 0, err
	}
	if cursor.ID == "" {
		return 0, nil
	}
	return strconv.ParseInt(cursor.ID, 10, 64)
}

// Trim cuts data to limit (callers fetch limit+1 rows) and builds the page
// info pointing past the last returned element.
func Trim[T any](data []T, limit int, id func(T) int64) ([]T, PageInfo) {
	if len(data) <= limit {
		return data, PageInfo{HasMore: false}
	}

	data = data[:limit]
	token, _ := EncodeCursor(Cursor{ID: strconv.FormatInt(id(data[len(data)-1]), 10)})
	return data, PageInfo{HasMore: true, NextPageToken: token}
}
