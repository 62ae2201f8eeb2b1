package tuya

import (
	"encoding/json"
	"strconv"
	"time"
)

// Command is a Tuya frame type. The ordinals come from the vendor's
// lan_protocol.h and are shared by all 3.x dialects.
type Command uint32

const (
	CmdUDP            Command = 0x00
	CmdSessKeyStart   Command = 0x03
	CmdSessKeyResp    Command = 0x04
	CmdSessKeyFinish  Command = 0x05
	CmdControl        Command = 0x07
	CmdStatus         Command = 0x08
	CmdHeartBeat      Command = 0x09
	CmdDPQuery        Command = 0x0a
	CmdControlNew     Command = 0x0d
	CmdDPQueryNew     Command = 0x10
	CmdUpdateDPS      Command = 0x12
	CmdUDPNew         Command = 0x13
	CmdBroadcastLPV34 Command = 0x23
)

func (c Command) String() string {
	switch c {
	case CmdSessKeyStart:
		return "SESS_KEY_START"
	case CmdSessKeyResp:
		return "SESS_KEY_RESP"
	case CmdSessKeyFinish:
		return "SESS_KEY_FINISH"
	case CmdControl:
		return "CONTROL"
	case CmdStatus:
		return "STATUS"
	case CmdHeartBeat:
		return "HEART_BEAT"
	case CmdDPQuery:
		return "DP_QUERY"
	case CmdControlNew:
		return "CONTROL_NEW"
	case CmdDPQueryNew:
		return "DP_QUERY_NEW"
	case CmdUpdateDPS:
		return "UPDATE_DPS"
	default:
		return "CMD_" + strconv.Itoa(int(c))
	}
}

// Commands whose payloads are framed without the "3.x" version header.
var noVersionHeader = map[Command]bool{
	CmdDPQuery:       true,
	CmdDPQueryNew:    true,
	CmdUpdateDPS:     true,
	CmdHeartBeat:     true,
	CmdSessKeyStart:  true,
	CmdSessKeyResp:   true,
	CmdSessKeyFinish: true,
}

// Version identifies the wire dialect spoken by a device.
type Version string

const (
	Version31 Version = "3.1"
	Version33 Version = "3.3"
	Version34 Version = "3.4"
)

// ParseVersion maps the numeric config form (31/33/34) to a Version.
func ParseVersion(n int) (Version, bool) {
	switch n {
	case 31:
		return Version31, true
	case 33:
		return Version33, true
	case 34:
		return Version34, true
	}
	return "", false
}

// queryPayload is the DP_QUERY body for 3.1/3.3 devices. Field order is
// fixed so emitted frames are byte-stable.
type queryPayload struct {
	GwID  string `json:"gwId"`
	DevID string `json:"devId"`
	UID   string `json:"uid"`
	T     string `json:"t"`
}

type setPayload struct {
	DevID string         `json:"devId"`
	UID   string         `json:"uid"`
	T     string         `json:"t"`
	DPS   map[string]any `json:"dps"`
}

type heartbeatPayload struct {
	GwID  string `json:"gwId"`
	DevID string `json:"devId"`
}

// controlNewPayload is the CONTROL_NEW body for 3.4 devices.
type controlNewPayload struct {
	Protocol int            `json:"protocol"`
	T        string         `json:"t"`
	Data     controlNewData `json:"data"`
}

type controlNewData struct {
	DPS map[string]any `json:"dps"`
}

func unixNow() string {
	return strconv.FormatInt(time.Now().Unix(), 10)
}

// BuildQuery returns the command and JSON body of a status query for the
// given dialect. 3.4 queries go out as DP_QUERY_NEW with an empty body.
func BuildQuery(v Version, deviceID string) (Command, []byte) {
	if v == Version34 {
		return CmdDPQueryNew, nil
	}
	p, _ := json.Marshal(queryPayload{
		GwID:  deviceID,
		DevID: deviceID,
		UID:   deviceID,
		T:     unixNow(),
	})
	return CmdDPQuery, p
}

// BuildSet returns the command and JSON body of a DP write.
func BuildSet(v Version, deviceID string, dps map[string]any) (Command, []byte) {
	if v == Version34 {
		p, _ := json.Marshal(controlNewPayload{
			Protocol: 5,
			T:        unixNow(),
			Data:     controlNewData{DPS: dps},
		})
		return CmdControlNew, p
	}
	p, _ := json.Marshal(setPayload{
		DevID: deviceID,
		UID:   deviceID,
		T:     unixNow(),
		DPS:   dps,
	})
	return CmdControl, p
}

// BuildHeartbeat returns the HEART_BEAT command and body.
func BuildHeartbeat(deviceID string) (Command, []byte) {
	p, _ := json.Marshal(heartbeatPayload{GwID: deviceID, DevID: deviceID})
	return CmdHeartBeat, p
}
