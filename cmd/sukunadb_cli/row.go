package main

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/sushant-115/sukunadb/core/btree"
)

// The row tuple format belongs to the CLI, not the engine: the engine
// stores an opaque fixed-size record. A row packs the username and
// email as zero-padded byte ranges inside that record; the id is the
// engine key.
const (
	usernameMax = 32
	emailMax    = 255

	usernameOff = 0
	emailOff    = usernameMax
)

var (
	errUsernameTooLong = errors.New("username too long")
	errEmailTooLong    = errors.New("email too long")
)

// Row is one user tuple as entered at the prompt.
type Row struct {
	ID       uint64
	Username string
	Email    string
}

// Encode packs the row into an engine value.
func (r Row) Encode() ([]byte, error) {
	if len(r.Username) > usernameMax {
		return nil, fmt.Errorf("%q is %d bytes (max %d): %w",
			r.Username, len(r.Username), usernameMax, errUsernameTooLong)
	}
	if len(r.Email) > emailMax {
		return nil, fmt.Errorf("%q is %d bytes (max %d): %w",
			r.Email, len(r.Email), emailMax, errEmailTooLong)
	}
	value := make([]byte, btree.ValueSize)
	copy(value[usernameOff:usernameOff+usernameMax], r.Username)
	copy(value[emailOff:emailOff+emailMax], r.Email)
	return value, nil
}

// DecodeRow unpacks an engine value stored under id.
func DecodeRow(id uint64, value []byte) Row {
	return Row{
		ID:       id,
		Username: trimField(value[usernameOff : usernameOff+usernameMax]),
		Email:    trimField(value[emailOff : emailOff+emailMax]),
	}
}

func trimField(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
