// Package nbd implements the fixed-newstyle NBD (Network Block Device) wire
// protocol: negotiation handshake, NBD_OPT_GO/NBD_OPT_ABORT option handling,
// and the simple-reply transmission loop described in NBD's proto.md.
package nbd

import (
	"encoding/binary"
	"io"
)

/* --- START OF NBD PROTOCOL SECTION --- */

// this section is a transcription of the fixed-newstyle subset of the NBD
// protocol from NBD's proto.md (not itself GPL); see proto.md for the
// meaning of each field.

// NBD commands handled in the transmission phase.
const (
	NBD_CMD_READ  = 0
	NBD_CMD_WRITE = 1
	NBD_CMD_DISC  = 2
	NBD_CMD_FLUSH = 3
)

// NBD negotiation flags advertised in the export's NBD_INFO_EXPORT reply.
const (
	NBD_FLAG_HAS_FLAGS  = uint16(1 << 0)
	NBD_FLAG_SEND_FLUSH = uint16(1 << 1)
)

// NBD magic numbers.
const (
	NBDMAGIC               = uint64(0x4E42444D41474943)
	IHAVEOPT               = uint64(0x49484156454F5054)
	NBD_REP_MAGIC          = uint64(0x0003E889045565A9)
	NBD_REQUEST_MAGIC      = uint32(0x25609513)
	NBD_SIMPLE_REPLY_MAGIC = uint32(0x67446698)
)

// NBD handshake flags.
const (
	NBD_FLAG_FIXED_NEWSTYLE = uint16(1 << 0)
)

// NBD client options accepted by this profile. Anything else is closed
// without a reply (spec.md §4.2).
const (
	NBD_OPT_ABORT = uint32(2)
	NBD_OPT_GO    = uint32(7)
)

// NBD option reply types.
const (
	NBD_REP_ACK  = uint32(1)
	NBD_REP_INFO = uint32(3)
)

// NBD_INFO_EXPORT is the only NBD_REP_INFO payload type this profile sends.
const NBD_INFO_EXPORT = uint16(0)

// NBD errno-style reply codes (spec.md §7).
const (
	NBD_OK           = uint32(0)
	NBD_EPERM_UNSUPP = uint32(1)
	NBD_EIO          = uint32(5)
)

// serverHandshake is the fixed 18-byte greeting sent immediately on accept.
type serverHandshake struct {
	Magic     uint64
	OptsMagic uint64
	Flags     uint16
}

func (h *serverHandshake) Write(w io.Writer) error {
	buf := make([]byte, 18)
	binary.BigEndian.PutUint64(buf[0:8], h.Magic)
	binary.BigEndian.PutUint64(buf[8:16], h.OptsMagic)
	binary.BigEndian.PutUint16(buf[16:18], h.Flags)
	_, err := w.Write(buf)
	return err
}

// clientFlags is the 4-byte client response to the handshake.
type clientFlags struct {
	Flags uint32
}

func (f *clientFlags) Read(r io.Reader) error {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	f.Flags = binary.BigEndian.Uint32(buf)
	return nil
}

// optionHeader is the 16-byte client option request header; option data of
// Length bytes follows on the wire and is read separately.
type optionHeader struct {
	Magic  uint64
	Option uint32
	Length uint32
}

func (o *optionHeader) Read(r io.Reader) error {
	buf := make([]byte, 16)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	o.Magic = binary.BigEndian.Uint64(buf[0:8])
	o.Option = binary.BigEndian.Uint32(buf[8:12])
	o.Length = binary.BigEndian.Uint32(buf[12:16])
	return nil
}

// optionReplyHeader is the 20-byte reply header preceding any NBD_REP_*
// payload (the "Q I I I" header of spec.md §4.2: magic, option, reply type,
// payload length).
type optionReplyHeader struct {
	Magic  uint64
	Option uint32
	Type   uint32
	Length uint32
}

func (r *optionReplyHeader) Write(w io.Writer) error {
	buf := make([]byte, 20)
	binary.BigEndian.PutUint64(buf[0:8], r.Magic)
	binary.BigEndian.PutUint32(buf[8:12], r.Option)
	binary.BigEndian.PutUint32(buf[12:16], r.Type)
	binary.BigEndian.PutUint32(buf[16:20], r.Length)
	_, err := w.Write(buf)
	return err
}

// infoExportPayload is the 12-byte NBD_INFO_EXPORT body carried in an
// NBD_REP_INFO reply to NBD_OPT_GO.
type infoExportPayload struct {
	InfoType         uint16
	ExportSize       uint64
	TransmissionFlag uint16
}

func (e *infoExportPayload) Write(w io.Writer) error {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint16(buf[0:2], e.InfoType)
	binary.BigEndian.PutUint64(buf[2:10], e.ExportSize)
	binary.BigEndian.PutUint16(buf[10:12], e.TransmissionFlag)
	_, err := w.Write(buf)
	return err
}

// request is the 28-byte transmission-phase command header.
type request struct {
	Magic  uint32
	Flags  uint16
	Type   uint16
	Handle uint64
	Offset uint64
	Length uint32
}

func (r *request) Read(rd io.Reader) error {
	buf := make([]byte, 28)
	if _, err := io.ReadFull(rd, buf); err != nil {
		return err
	}
	r.Magic = binary.BigEndian.Uint32(buf[0:4])
	r.Flags = binary.BigEndian.Uint16(buf[4:6])
	r.Type = binary.BigEndian.Uint16(buf[6:8])
	r.Handle = binary.BigEndian.Uint64(buf[8:16])
	r.Offset = binary.BigEndian.Uint64(buf[16:24])
	r.Length = binary.BigEndian.Uint32(buf[24:28])
	return nil
}

// simpleReply is the fixed 16-byte transmission-phase reply prefix; read
// data (if any) follows immediately after it on the wire.
type simpleReply struct {
	Magic  uint32
	Error  uint32
	Handle uint64
}

func (r *simpleReply) Write(w io.Writer) error {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], r.Magic)
	binary.BigEndian.PutUint32(buf[4:8], r.Error)
	binary.BigEndian.PutUint64(buf[8:16], r.Handle)
	_, err := w.Write(buf)
	return err
}

/* --- END OF NBD PROTOCOL SECTION --- */
