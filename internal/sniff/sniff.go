// Package sniff implements the two protocol sniffers the core invokes as an
// opaque parse function (spec.md §4.2): a TLS ClientHello SNI parser and an
// HTTP/1.x Host header parser. Neither terminates nor completes a
// handshake/request; both only inspect a peeked prefix of client bytes.
package sniff

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"net/http"
)

// Status is the outcome of a sniffer call (TLS or HTTP).
type Status int

const (
	// StatusIncomplete means more bytes are needed before a decision can
	// be made; the caller should retry with a longer peek once more data
	// arrives.
	StatusIncomplete Status = iota
	// StatusOK means a hostname was extracted successfully.
	StatusOK
	// StatusNoHostname means the request is well-formed but carries no
	// usable hostname (e.g. HTTP/1.0 with no Host header).
	StatusNoHostname
	// StatusMalformed means the bytes could not be parsed as the expected
	// protocol at all.
	StatusMalformed
)

// Result is returned by a Func.
type Result struct {
	Status   Status
	Hostname string
}

// Func is the signature shared by the TLS and HTTP sniffers. A Listener
// does not hold a Func value; Listener.Sniff calls TLS or HTTP directly,
// chosen by comparing its protocol tag.
type Func func(peek []byte) Result

// TLS extracts the SNI extension from a TLS ClientHello record. Grounded on
// the extension walk in other_examples' sni.go and gateway-sniffing.go,
// cross-checked against cybozu-go-transocks' peekClientHello.
func TLS(peek []byte) Result {
	const recordHeaderLen = 5
	if len(peek) < recordHeaderLen {
		return Result{Status: StatusIncomplete}
	}
	if peek[0] != 0x16 { // TLS Handshake content type
		return Result{Status: StatusMalformed}
	}
	if peek[1] != 0x03 { // major version 3.x (SSLv3 through TLS 1.3)
		return Result{Status: StatusMalformed}
	}

	recordLen := int(binary.BigEndian.Uint16(peek[3:5]))
	if recordLen <= 0 || recordLen > 1<<15 {
		return Result{Status: StatusMalformed}
	}
	total := recordHeaderLen + recordLen
	if len(peek) < total {
		return Result{Status: StatusIncomplete}
	}

	data := peek[recordHeaderLen:total]
	if len(data) < 4 || data[0] != 0x01 { // handshake type: ClientHello
		return Result{Status: StatusMalformed}
	}
	handshakeLen := int(data[1])<<16 | int(data[2])<<8 | int(data[3])
	if handshakeLen+4 > len(data) {
		return Result{Status: StatusMalformed}
	}
	body := data[4 : 4+handshakeLen]

	offset := 0
	if len(body) < 34 {
		return Result{Status: StatusMalformed}
	}
	offset += 2  // client_version
	offset += 32 // random

	if offset >= len(body) {
		return Result{Status: StatusMalformed}
	}
	sessionIDLen := int(body[offset])
	offset++
	if offset+sessionIDLen > len(body) {
		return Result{Status: StatusMalformed}
	}
	offset += sessionIDLen

	if offset+2 > len(body) {
		return Result{Status: StatusMalformed}
	}
	cipherSuitesLen := int(binary.BigEndian.Uint16(body[offset : offset+2]))
	offset += 2
	if offset+cipherSuitesLen > len(body) {
		return Result{Status: StatusMalformed}
	}
	offset += cipherSuitesLen

	if offset >= len(body) {
		return Result{Status: StatusMalformed}
	}
	compressionLen := int(body[offset])
	offset++
	if offset+compressionLen > len(body) {
		return Result{Status: StatusMalformed}
	}
	offset += compressionLen

	if offset+2 > len(body) {
		// No extensions block: well-formed ClientHello, no SNI possible.
		return Result{Status: StatusNoHostname}
	}
	extLen := int(binary.BigEndian.Uint16(body[offset : offset+2]))
	offset += 2
	if offset+extLen > len(body) {
		return Result{Status: StatusMalformed}
	}
	exts := body[offset : offset+extLen]

	for len(exts) >= 4 {
		extType := int(exts[0])<<8 | int(exts[1])
		extDataLen := int(exts[2])<<8 | int(exts[3])
		exts = exts[4:]
		if extDataLen > len(exts) {
			return Result{Status: StatusMalformed}
		}
		extData := exts[:extDataLen]
		exts = exts[extDataLen:]

		if extType != 0 { // server_name
			continue
		}
		if len(extData) < 2 {
			return Result{Status: StatusMalformed}
		}
		listLen := int(binary.BigEndian.Uint16(extData[0:2]))
		if listLen+2 > len(extData) {
			return Result{Status: StatusMalformed}
		}
		names := extData[2 : 2+listLen]
		for len(names) >= 3 {
			nameType := names[0]
			nameLen := int(binary.BigEndian.Uint16(names[1:3]))
			names = names[3:]
			if nameLen > len(names) {
				return Result{Status: StatusMalformed}
			}
			name := string(names[:nameLen])
			names = names[nameLen:]
			if nameType == 0 {
				if name == "" {
					return Result{Status: StatusNoHostname}
				}
				return Result{Status: StatusOK, Hostname: name}
			}
		}
		return Result{Status: StatusNoHostname}
	}

	return Result{Status: StatusNoHostname}
}

// HTTP extracts the Host header from an HTTP/1.x request line + headers.
// Grounded on cybozu-go-transocks' getHost (net/http.ReadRequest over a
// bufio.Reader) and liuproxy_nexus' sniffTargetHTTP.
func HTTP(peek []byte) Result {
	if len(peek) == 0 {
		return Result{Status: StatusIncomplete}
	}
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(peek)))
	if err != nil {
		if err == bufio.ErrBufferFull {
			return Result{Status: StatusIncomplete}
		}
		// http.ReadRequest reports io.ErrUnexpectedEOF / io.EOF when the
		// headers are not fully present yet; anything else is malformed.
		if isIncompleteReadErr(err) {
			return Result{Status: StatusIncomplete}
		}
		return Result{Status: StatusMalformed}
	}
	if req.Host == "" {
		return Result{Status: StatusNoHostname}
	}
	return Result{Status: StatusOK, Hostname: stripPort(req.Host)}
}

func stripPort(host string) string {
	for i := len(host) - 1; i >= 0; i-- {
		switch host[i] {
		case ']':
			return host
		case ':':
			return host[:i]
		}
	}
	return host
}

func isIncompleteReadErr(err error) bool {
	switch err.Error() {
	case "EOF", "unexpected EOF":
		return true
	default:
		return false
	}
}
