package discovery

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/pioneer-wyt/wyt-bridge/pkg/tuya"
)

const announceJSON = `{"ip":"192.168.1.50","gwId":"bf1234567890abcdef12","active":2,"encrypt":true,"productKey":"keyjn3t78eh4m5vg","version":"3.3"}`

func TestParseAnnouncement_Encrypted(t *testing.T) {
	datagram, err := tuya.EncodeFrame(tuya.Version33, udpKey(), 0, tuya.CmdUDPNew, []byte(announceJSON))
	if err != nil {
		t.Fatalf("encode announcement: %v", err)
	}

	r, err := parseAnnouncement(datagram, true)
	if err != nil {
		t.Fatalf("parseAnnouncement: %v", err)
	}
	if r.ID != "bf1234567890abcdef12" {
		t.Errorf("id %q", r.ID)
	}
	if r.IP != "192.168.1.50" || r.Version != "3.3" || r.ProductKey != "keyjn3t78eh4m5vg" {
		t.Errorf("report %+v", r)
	}
}

func TestParseAnnouncement_Plain(t *testing.T) {
	// 3.1 devices announce unencrypted JSON in a CRC-trailed frame.
	payload := []byte(announceJSON)
	buf := &bytes.Buffer{}
	_ = binary.Write(buf, binary.BigEndian, uint32(0x000055aa))
	_ = binary.Write(buf, binary.BigEndian, uint32(0))
	_ = binary.Write(buf, binary.BigEndian, uint32(tuya.CmdUDP))
	_ = binary.Write(buf, binary.BigEndian, uint32(len(payload)+8))
	buf.Write(payload)
	_ = binary.Write(buf, binary.BigEndian, crc32.ChecksumIEEE(buf.Bytes()))
	_ = binary.Write(buf, binary.BigEndian, uint32(0x0000aa55))

	r, err := parseAnnouncement(buf.Bytes(), false)
	if err != nil {
		t.Fatalf("parseAnnouncement: %v", err)
	}
	if r.ID != "bf1234567890abcdef12" || r.IP != "192.168.1.50" {
		t.Errorf("report %+v", r)
	}
}

func TestParseAnnouncement_RejectsGarbage(t *testing.T) {
	if _, err := parseAnnouncement([]byte("not a frame at all"), false); err == nil {
		t.Error("expected error for garbage datagram")
	}
	if _, err := parseAnnouncement(nil, true); err == nil {
		t.Error("expected error for empty datagram")
	}
}
