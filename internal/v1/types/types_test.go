package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		addr Address
	}{
		{"master device", Address{UID: "c1a2b3", DeviceID: MasterDeviceID}},
		{"linked device", Address{UID: "c1a2b3", DeviceID: 7}},
		{"login request pseudo device", Address{UID: "zz", DeviceID: LoginRequestDeviceID}},
		{"uid containing underscore", Address{UID: "a_b_c", DeviceID: 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := ParseAddress(tt.addr.String())
			require.NoError(t, err)
			assert.Equal(t, tt.addr, parsed)
		})
	}
}

func TestParseAddress_Malformed(t *testing.T) {
	for _, s := range []string{"", "nodevice", "_1", "uid_", "uid_notanumber"} {
		_, err := ParseAddress(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestGroupUserMessageIdInfo_PushCapable(t *testing.T) {
	tests := []struct {
		name string
		info GroupUserMessageIdInfo
		want bool
	}{
		{"all blank", GroupUserMessageIdInfo{}, false},
		{"apn only", GroupUserMessageIdInfo{ApnID: "tok"}, true},
		{"voip only", GroupUserMessageIdInfo{VoipApnID: "voip"}, true},
		{"gcm only", GroupUserMessageIdInfo{GcmID: "fcm"}, true},
		{"umeng only", GroupUserMessageIdInfo{UmengID: "um"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.info.PushCapable())
		})
	}
}

func TestGroupUserMessageIdInfo_JSONFieldNames(t *testing.T) {
	// The field names are part of the persisted Redis layout and must not
	// drift: peer nodes read the same hash values.
	info := GroupUserMessageIdInfo{
		LastMid:   42,
		GcmID:     "g",
		UmengID:   "u",
		ApnID:     "a",
		ApnType:   "com.example.app",
		VoipApnID: "v",
		OsType:    "ios",
		BuildCode: 314,
		Flag:      CfgFlagNoConfig,
	}

	raw, err := json.Marshal(info)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	for _, key := range []string{"last_mid", "gcmId", "umengId", "apnId", "apnType", "voipApnId", "osType", "buildCode", "cfgFlag"} {
		assert.Contains(t, m, key)
	}
}

func TestTripleRoundTrip(t *testing.T) {
	s := EncodeTriple(7, 12345, PushToDesignatedPerson)
	assert.Equal(t, "00000000000000000007_00000000000000012345_02", s)

	gid, mid, ppt, err := ParseTriple(s)
	require.NoError(t, err)
	assert.Equal(t, Gid(7), gid)
	assert.Equal(t, Mid(12345), mid)
	assert.Equal(t, PushToDesignatedPerson, ppt)
}

func TestTripleOrdering(t *testing.T) {
	// Zero-padding makes the lexical order of encoded triples match the
	// numeric (gid, mid) order, which the offline scan relies on.
	a := EncodeTriple(9, 5, PushToEveryone)
	b := EncodeTriple(10, 1, PushToEveryone)
	c := EncodeTriple(10, 2, PushToEveryone)
	assert.Less(t, a, b)
	assert.Less(t, b, c)
}

func TestParseTriple_Malformed(t *testing.T) {
	for _, s := range []string{"", "1_2", "a_2_1", "1_b_1", "1_2_c", "1_2_3_4"} {
		_, _, _, err := ParseTriple(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestRedisKeys(t *testing.T) {
	assert.Equal(t, "group_user_msg_99", KeyGroupUserMsg(99))
	assert.Equal(t, "apns_badge_u1", KeyApnsBadge("u1"))
	assert.Equal(t, "DeviceRequest_r1", KeyDeviceRequest("r1"))
}
