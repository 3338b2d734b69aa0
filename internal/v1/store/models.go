package store

import (
	"time"

	"gorm.io/gorm"

	"github.com/courier-im/courier/internal/v1/types"
)

// Account is one end-to-end-encrypted identity. The uid is derived from the
// account public key hash at signup and never changes.
type Account struct {
	Uid string `gorm:"primaryKey;column:uid;type:varchar(64)"`

	// PubKey is the account identity public key, base64.
	PubKey string `gorm:"column:pub_key;type:text;not null"`

	// Name is an optional encrypted display name blob.
	Name string `gorm:"column:name;type:text"`

	State types.AccountState `gorm:"column:state;default:0"`

	CreatedAt time.Time `gorm:"column:created_at;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (Account) TableName() string { return "accounts" }

// Device is one signed-in client of an account. Device 1 is the master.
// The login token is never stored; only its salted HMAC survives.
type Device struct {
	Uid      string         `gorm:"primaryKey;column:uid;type:varchar(64)"`
	DeviceID types.DeviceID `gorm:"primaryKey;column:device_id"`

	// Salt keys the HMAC over the issued token.
	Salt string `gorm:"column:salt;type:varchar(64);not null"`

	// TokenHash is hex(HMAC-SHA256(salt, token)).
	TokenHash string `gorm:"column:token_hash;type:varchar(128);not null"`

	State types.DeviceState `gorm:"column:state;default:0"`

	// Push registration ids; blank means the channel is not registered.
	GcmID     string `gorm:"column:gcm_id;type:text"`
	UmengID   string `gorm:"column:umeng_id;type:text"`
	ApnID     string `gorm:"column:apn_id;type:text"`
	ApnType   string `gorm:"column:apn_type;type:varchar(64)"`
	VoipApnID string `gorm:"column:voip_apn_id;type:text"`

	OsType        string `gorm:"column:os_type;type:varchar(32)"`
	BuildCode     string `gorm:"column:build_code;type:varchar(64)"`
	PhoneModel    string `gorm:"column:phone_model;type:varchar(128)"`
	ClientVersion string `gorm:"column:client_version;type:varchar(64)"`

	CreatedAt  time.Time `gorm:"column:created_at;default:CURRENT_TIMESTAMP"`
	LastSeenAt time.Time `gorm:"column:last_seen_at"`
}

func (Device) TableName() string { return "devices" }

// Group is one message group. LastMid is the high-water message id, advanced
// only inside the insert transaction.
type Group struct {
	Gid int64 `gorm:"primaryKey;autoIncrement;column:gid"`

	Name          string              `gorm:"column:name;type:text"`
	Owner         string              `gorm:"column:owner;type:varchar(64);index"`
	BroadcastType types.BroadcastType `gorm:"column:broadcast_type;default:0"`

	LastMid int64 `gorm:"column:last_mid;default:0"`

	CreatedAt time.Time `gorm:"column:created_at;default:CURRENT_TIMESTAMP"`
}

func (Group) TableName() string { return "groups" }

// GroupUser is a membership row with the member's delivery cursor.
type GroupUser struct {
	ID  uint   `gorm:"primaryKey;autoIncrement"`
	Gid int64  `gorm:"column:gid;uniqueIndex:idx_group_uid;not null"`
	Uid string `gorm:"column:uid;type:varchar(64);uniqueIndex:idx_group_uid;not null"`

	Role types.GroupRole `gorm:"column:role;default:0"`

	// LastAckMid is the highest message id the member acknowledged.
	LastAckMid int64 `gorm:"column:last_ack_mid;default:0"`

	CreatedAt time.Time `gorm:"column:created_at;default:CURRENT_TIMESTAMP"`
}

func (GroupUser) TableName() string { return "group_users" }

// GroupMessage is one stored ciphertext message. (gid, mid) is unique and
// mids are dense per group.
type GroupMessage struct {
	ID  uint  `gorm:"primaryKey;autoIncrement"`
	Gid int64 `gorm:"column:gid;uniqueIndex:idx_gid_mid;not null"`
	Mid int64 `gorm:"column:mid;uniqueIndex:idx_gid_mid;not null"`

	// FromUid is blank when the group runs sealed sender; the sender then
	// lives only inside SourceExtra.
	FromUid string `gorm:"column:from_uid;type:varchar(64);index"`

	Type   types.MsgType   `gorm:"column:type;default:0"`
	Status types.MsgStatus `gorm:"column:status;default:0"`

	// Text is the ciphertext payload, opaque to the server.
	Text string `gorm:"column:text;type:text"`

	// AtList is a JSON array of mentioned uids; AtAll mentions everyone.
	AtList string `gorm:"column:at_list;type:text"`
	AtAll  bool   `gorm:"column:at_all;default:false"`

	// SourceExtra is the sealed sender envelope, base64 JSON.
	SourceExtra string `gorm:"column:source_extra;type:text"`

	// VerifySig authenticates recall requests for sealed messages.
	VerifySig string `gorm:"column:verify_sig;type:text"`

	CreatedAt time.Time `gorm:"column:created_at;default:CURRENT_TIMESTAMP"`
}

func (GroupMessage) TableName() string { return "group_messages" }

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &Device{}, &Group{}, &GroupUser{}, &GroupMessage{})
}
