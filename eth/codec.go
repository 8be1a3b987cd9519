package eth

import (
	"fmt"

	"github.com/eth2030/eth2030/p2p"
)

// maxMessageSize bounds the payload size accepted for any eth message.
// Transaction gossip is the only large traffic this protocol carries;
// anything past this is a misbehaving or malicious peer.
const maxMessageSize = 10 * 1024 * 1024

// ReadMessage reads the next frame off the transport and decodes it into
// the eth message struct matching its code. Snappy decompression, if the
// session negotiated it, already happened inside the transport's frame
// codec; this layer only ever sees the decompressed RLP payload.
func ReadMessage(t p2p.Transport) (code uint64, msg interface{}, err error) {
	frame, err := t.ReadMsg()
	if err != nil {
		return 0, nil, fmt.Errorf("eth: read frame: %w", err)
	}
	if frame.Size > maxMessageSize {
		return frame.Code, nil, fmt.Errorf("eth: message %s too large: %d bytes", MsgCodeName(frame.Code), frame.Size)
	}

	decoded, err := DecodeMsg(frame.Code, frame.Payload)
	if err != nil {
		return frame.Code, nil, err
	}
	return frame.Code, decoded, nil
}

// WriteMessage encodes msg for the given code and writes it to the
// transport as a single frame.
func WriteMessage(t p2p.Transport, code uint64, msg interface{}) error {
	payload, err := EncodeMsg(code, msg)
	if err != nil {
		return err
	}
	if len(payload) > maxMessageSize {
		return fmt.Errorf("eth: refusing to send %s: %d bytes exceeds limit", MsgCodeName(code), len(payload))
	}
	return t.WriteMsg(p2p.Msg{
		Code:    code,
		Size:    uint32(len(payload)),
		Payload: payload,
	})
}
