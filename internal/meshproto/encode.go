package meshproto

import "google.golang.org/protobuf/encoding/protowire"

// Host-to-radio field numbers.
const (
	toRadioWantConfigID = 3
	toRadioDisconnect   = 4
	toRadioHeartbeat    = 7
)

// EncodeWantConfig builds the host-to-radio wakeup message that asks the
// device to start streaming its state and subsequent packets. The nonce is
// echoed back in ConfigCompleteID when the initial dump is finished.
func EncodeWantConfig(nonce uint32) []byte {
	b := protowire.AppendTag(nil, toRadioWantConfigID, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(nonce))
}

// EncodeHeartbeat builds the periodic host-to-radio keepalive. The payload
// is an empty submessage; its presence alone resets the device's idle timer.
func EncodeHeartbeat() []byte {
	b := protowire.AppendTag(nil, toRadioHeartbeat, protowire.BytesType)
	return protowire.AppendBytes(b, nil)
}

// EncodeDisconnect tells the radio the host is going away cleanly.
func EncodeDisconnect() []byte {
	b := protowire.AppendTag(nil, toRadioDisconnect, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}
