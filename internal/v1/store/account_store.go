package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/courier-im/courier/internal/v1/types"
)

// ErrNotFound hides the gorm sentinel from callers.
var ErrNotFound = errors.New("not found")

// CreateAccount inserts the account with its first device in one transaction.
func (s *Store) CreateAccount(ctx context.Context, account *Account, device *Device) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(account).Error; err != nil {
			return err
		}
		return tx.Create(device).Error
	})
}

func (s *Store) GetAccount(ctx context.Context, uid string) (*Account, error) {
	var account Account
	err := s.DB.WithContext(ctx).Where("uid = ?", uid).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *Store) GetDevice(ctx context.Context, uid string, deviceID types.DeviceID) (*Device, error) {
	var device Device
	err := s.DB.WithContext(ctx).Where("uid = ? AND device_id = ?", uid, deviceID).First(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (s *Store) ListDevices(ctx context.Context, uid string) ([]Device, error) {
	var devices []Device
	err := s.DB.WithContext(ctx).Where("uid = ?", uid).Order("device_id").Find(&devices).Error
	return devices, err
}

// SaveDevice creates or fully replaces a device row.
func (s *Store) SaveDevice(ctx context.Context, device *Device) error {
	return s.DB.WithContext(ctx).Save(device).Error
}

// DeleteDevice removes one device; used by signout of a slave device.
func (s *Store) DeleteDevice(ctx context.Context, uid string, deviceID types.DeviceID) error {
	return s.DB.WithContext(ctx).Where("uid = ? AND device_id = ?", uid, deviceID).Delete(&Device{}).Error
}

// DestroyAccount removes the account and all its devices.
func (s *Store) DestroyAccount(ctx context.Context, uid string) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("uid = ?", uid).Delete(&Device{}).Error; err != nil {
			return err
		}
		return tx.Where("uid = ?", uid).Delete(&Account{}).Error
	})
}

// AccountModifier accumulates field changes for one account or device and
// applies them in a single update, so concurrent modifications never clobber
// fields they did not touch.
type AccountModifier struct {
	store    *Store
	uid      string
	deviceID types.DeviceID

	accountUpdates map[string]any
	deviceUpdates  map[string]any
}

// ModifyAccount starts a modification against the account and, when deviceID
// is non-zero, one of its devices.
func (s *Store) ModifyAccount(uid string, deviceID types.DeviceID) *AccountModifier {
	return &AccountModifier{
		store:          s,
		uid:            uid,
		deviceID:       deviceID,
		accountUpdates: make(map[string]any),
		deviceUpdates:  make(map[string]any),
	}
}

func (m *AccountModifier) SetName(name string) *AccountModifier {
	m.accountUpdates["name"] = name
	return m
}

func (m *AccountModifier) SetState(state types.AccountState) *AccountModifier {
	m.accountUpdates["state"] = state
	return m
}

func (m *AccountModifier) SetDeviceState(state types.DeviceState) *AccountModifier {
	m.deviceUpdates["state"] = state
	return m
}

func (m *AccountModifier) SetGcmID(id string) *AccountModifier {
	m.deviceUpdates["gcm_id"] = id
	return m
}

func (m *AccountModifier) SetUmengID(id string) *AccountModifier {
	m.deviceUpdates["umeng_id"] = id
	return m
}

func (m *AccountModifier) SetApn(apnID, apnType, voipApnID string) *AccountModifier {
	m.deviceUpdates["apn_id"] = apnID
	m.deviceUpdates["apn_type"] = apnType
	m.deviceUpdates["voip_apn_id"] = voipApnID
	return m
}

func (m *AccountModifier) SetClientVersion(version string) *AccountModifier {
	m.deviceUpdates["client_version"] = version
	return m
}

func (m *AccountModifier) SetDeviceInfo(osType, buildCode, phoneModel string) *AccountModifier {
	m.deviceUpdates["os_type"] = osType
	m.deviceUpdates["build_code"] = buildCode
	m.deviceUpdates["phone_model"] = phoneModel
	return m
}

func (m *AccountModifier) SetCredential(salt, tokenHash string) *AccountModifier {
	m.deviceUpdates["salt"] = salt
	m.deviceUpdates["token_hash"] = tokenHash
	return m
}

// ClearPushRegistrations blanks every push channel of the device, so a
// signed-out device can never receive ghost pushes.
func (m *AccountModifier) ClearPushRegistrations() *AccountModifier {
	m.deviceUpdates["gcm_id"] = ""
	m.deviceUpdates["umeng_id"] = ""
	m.deviceUpdates["apn_id"] = ""
	m.deviceUpdates["voip_apn_id"] = ""
	return m
}

func (m *AccountModifier) TouchLastSeen() *AccountModifier {
	m.deviceUpdates["last_seen_at"] = time.Now()
	return m
}

// Apply writes all accumulated changes in one transaction. It fails with
// ErrNotFound when the targeted account or device row does not exist.
func (m *AccountModifier) Apply(ctx context.Context) error {
	if len(m.accountUpdates) == 0 && len(m.deviceUpdates) == 0 {
		return nil
	}
	return m.store.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(m.accountUpdates) > 0 {
			res := tx.Model(&Account{}).Where("uid = ?", m.uid).Updates(m.accountUpdates)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("account %s: %w", m.uid, ErrNotFound)
			}
		}
		if len(m.deviceUpdates) > 0 {
			res := tx.Model(&Device{}).
				Where("uid = ? AND device_id = ?", m.uid, m.deviceID).
				Updates(m.deviceUpdates)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("device %s/%d: %w", m.uid, m.deviceID, ErrNotFound)
			}
		}
		return nil
	})
}
