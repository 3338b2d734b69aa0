package types

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// --- Core Domain Types ---

// Uid identifies an account. It is derived from the account public key hash.
type Uid string

// DeviceID identifies a device within an account. Device 1 is the master
// device; 2..N are linked devices.
type DeviceID uint32

// Gid identifies a group.
type Gid int64

// Mid is the monotonic per-group message id assigned by the durable store.
type Mid int64

const (
	// MasterDeviceID is the primary device of an account.
	MasterDeviceID DeviceID = 1

	// LoginRequestDeviceID is the transient pseudo-device used while a new
	// device is waiting for approval.
	LoginRequestDeviceID DeviceID = 0xFFFFFFFF
)

// Address identifies a message endpoint: one device of one account.
type Address struct {
	UID      Uid      `json:"uid"`
	DeviceID DeviceID `json:"deviceId"`
}

// NewAddress builds an Address from its parts.
func NewAddress(uid Uid, deviceID DeviceID) Address {
	return Address{UID: uid, DeviceID: deviceID}
}

// String renders the canonical wire form "uid_deviceId" used as the
// cross-node Redis channel suffix.
func (a Address) String() string {
	return fmt.Sprintf("%s_%d", a.UID, a.DeviceID)
}

// ParseAddress is the inverse of Address.String.
func ParseAddress(s string) (Address, error) {
	idx := strings.LastIndex(s, "_")
	if idx <= 0 || idx == len(s)-1 {
		return Address{}, fmt.Errorf("malformed address %q", s)
	}
	dev, err := strconv.ParseUint(s[idx+1:], 10, 32)
	if err != nil {
		return Address{}, fmt.Errorf("malformed address device id %q: %w", s, err)
	}
	return Address{UID: Uid(s[:idx]), DeviceID: DeviceID(dev)}, nil
}

// --- Account / Device states ---

type AccountState int32

const (
	AccountStateNormal  AccountState = 0
	AccountStateDeleted AccountState = 1
)

type DeviceState int32

const (
	DeviceStateNormal    DeviceState = 0
	DeviceStateConfirmed DeviceState = 1
	DeviceStateLogout    DeviceState = 2
)

// --- Group domain ---

// GroupRole orders member permissions from most to least privileged.
type GroupRole int32

const (
	RoleOwner      GroupRole = 0
	RoleAdmin      GroupRole = 1
	RoleMember     GroupRole = 2
	RoleSubscriber GroupRole = 3
)

// BroadcastType distinguishes interactive groups from one-way channels.
type BroadcastType int32

const (
	BroadcastChat    BroadcastType = 0
	BroadcastChannel BroadcastType = 1
)

// MsgType enumerates group message kinds.
type MsgType int32

const (
	MsgTypeChat         MsgType = 0
	MsgTypeChannel      MsgType = 1
	MsgTypeRecall       MsgType = 2
	MsgTypeMemberUpdate MsgType = 3
)

// MsgStatus is the lifecycle state of a stored group message.
type MsgStatus int32

const (
	MsgStatusNormal   MsgStatus = 0
	MsgStatusRecalled MsgStatus = 1
)

// PushPeopleType selects who an offline triple targets.
type PushPeopleType int32

const (
	PushToEveryone         PushPeopleType = 1
	PushToDesignatedPerson PushPeopleType = 2
)

// CfgFlag marks whether a user has muted pushes for a group.
type CfgFlag int32

const (
	CfgFlagNormal   CfgFlag = 0
	CfgFlagNoConfig CfgFlag = 1
)

// --- Redis layout ---

const (
	KeyGroupMsgList      = "group_msg_list"
	KeyGroupMultiMsgList = "group_multi_msg_list"
	KeyGroupMsgActive    = "group_msg_active"
	KeyOfflineLease      = "offline_lease"
)

// EncodeTriple renders an offline queue member: zero-padded gid, mid and
// push-people-type joined by underscores, 44 bytes total.
func EncodeTriple(gid Gid, mid Mid, ppt PushPeopleType) string {
	return fmt.Sprintf("%020d_%020d_%02d", int64(gid), int64(mid), int32(ppt))
}

// ParseTriple is the inverse of EncodeTriple.
func ParseTriple(s string) (Gid, Mid, PushPeopleType, error) {
	parts := strings.Split(s, "_")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("malformed triple %q", s)
	}
	gid, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("malformed triple gid %q: %w", s, err)
	}
	mid, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("malformed triple mid %q: %w", s, err)
	}
	ppt, err := strconv.ParseInt(parts[2], 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("malformed triple push type %q: %w", s, err)
	}
	return Gid(gid), Mid(mid), PushPeopleType(ppt), nil
}

// KeyGroupUserMsg is the per-group hash of uid -> GroupUserMessageIdInfo.
func KeyGroupUserMsg(gid Gid) string {
	return fmt.Sprintf("group_user_msg_%d", gid)
}

// KeyApnsBadge is the cluster-wide badge counter for one account.
func KeyApnsBadge(uid Uid) string {
	return fmt.Sprintf("apns_badge_%s", uid)
}

// KeyDeviceRequest stores a serialized login-request while a QR code is live.
func KeyDeviceRequest(requestID string) string {
	return fmt.Sprintf("DeviceRequest_%s", requestID)
}

// GroupUserMessageIdInfo is the JSON value stored per (gid, uid) in the
// group_user_msg hash. Absence of the record means the user is caught up.
type GroupUserMessageIdInfo struct {
	LastMid    Mid     `json:"last_mid"`
	GcmID      string  `json:"gcmId"`
	UmengID    string  `json:"umengId"`
	ApnID      string  `json:"apnId"`
	ApnType    string  `json:"apnType"`
	VoipApnID  string  `json:"voipApnId"`
	OsType     string  `json:"osType"`
	BuildCode  int32   `json:"buildCode"`
	PhoneModel string  `json:"phoneModel"`
	Flag       CfgFlag `json:"cfgFlag"`
}

// DesignatedTargets is the group_multi_msg_list value for a targeted
// message: the members to push plus the sender to exclude.
type DesignatedTargets struct {
	Members []string `json:"members"`
	FromUid string   `json:"fromUid"`
}

// PushCapable reports whether any provider registration is present.
func (g GroupUserMessageIdInfo) PushCapable() bool {
	return g.GcmID != "" || g.UmengID != "" || g.ApnID != "" || g.VoipApnID != ""
}

// --- Push domain ---

// NotificationClass separates normal message pushes from call-signal pushes.
type NotificationClass int32

const (
	ClassNormal  NotificationClass = 0
	ClassCalling NotificationClass = 1
)

// Notification is the unit of work handed to the push service.
type Notification struct {
	ID    string                 `json:"id"`
	UID   Uid                    `json:"uid"`
	Gid   Gid                    `json:"gid"`
	Mid   Mid                    `json:"mid"`
	Class NotificationClass      `json:"class"`
	Alert string                 `json:"alert"`
	Info  GroupUserMessageIdInfo `json:"info"`
}

// --- Shared Interfaces ---

// ErrNoSession is returned by dispatch when no local session holds an address.
var ErrNoSession = errors.New("no local session for address")

// Session is the behavior the dispatcher needs from a connected client.
// The transport package owns the concrete implementation.
type Session interface {
	Address() Address
	SendRaw(data []byte)
	Disconnect()
}

// Dispatcher multiplexes real-time payloads onto live sessions by address.
type Dispatcher interface {
	Subscribe(addr Address, s Session) (channelID uint64)
	Unsubscribe(addr Address, channelID uint64)
	Publish(ctx context.Context, addr Address, payload []byte) (delivered bool)
	Kick(addr Address)
}

// PushSubmitter accepts notifications for asynchronous provider delivery.
// Submission success does not imply delivery.
type PushSubmitter interface {
	Submit(ctx context.Context, n *Notification) error
}
