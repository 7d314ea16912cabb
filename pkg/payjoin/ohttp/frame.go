package ohttp

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Plaintext framing of directory messages inside the encapsulation:
// requests are "<verb> <resource>\n<body>", responses are a big-endian
// uint16 status followed by the body. The directory only ever sees the
// sealed form.

// Directory status codes carried inside sealed responses.
const (
	StatusOK       = 200
	StatusAccepted = 202
)

// EncodeRequest frames a directory request payload.
func EncodeRequest(verb, resource string, body []byte) []byte {
	buf := make([]byte, 0, len(verb)+len(resource)+len(body)+2)
	buf = append(buf, verb...)
	buf = append(buf, ' ')
	buf = append(buf, resource...)
	buf = append(buf, '\n')
	buf = append(buf, body...)
	return buf
}

// DecodeRequest splits a framed directory request payload.
func DecodeRequest(payload []byte) (verb, resource string, body []byte, err error) {
	idx := bytes.IndexByte(payload, '\n')
	if idx < 0 {
		return "", "", nil, fmt.Errorf("malformed directory request: missing header line")
	}
	header := string(payload[:idx])
	body = payload[idx+1:]
	sp := -1
	for i := 0; i < len(header); i++ {
		if header[i] == ' ' {
			sp = i
			break
		}
	}
	if sp <= 0 || sp == len(header)-1 {
		return "", "", nil, fmt.Errorf("malformed directory request header %q", header)
	}
	return header[:sp], header[sp+1:], body, nil
}

// EncodeResponse frames a directory response payload.
func EncodeResponse(status uint16, body []byte) []byte {
	buf := make([]byte, 2, 2+len(body))
	binary.BigEndian.PutUint16(buf, status)
	return append(buf, body...)
}

// DecodeResponse splits a framed directory response payload.
func DecodeResponse(payload []byte) (status uint16, body []byte, err error) {
	if len(payload) < 2 {
		return 0, nil, fmt.Errorf("malformed directory response: %d bytes", len(payload))
	}
	return binary.BigEndian.Uint16(payload[:2]), payload[2:], nil
}
